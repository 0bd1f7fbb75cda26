// Command workspace-sync runs the Cloud Function locally with the Functions
// Framework.
package main

import (
	"log"
	"os"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	_ "github.com/timesheet-app/workspace-sync"
)

func main() {
	var port = "8080"
	if v := os.Getenv("HTTP_PORT"); v != "" {
		port = v
	} else if v = os.Getenv("PORT"); v != "" {
		port = v
	}
	// serve the HTTP API at the root unless another target is chosen
	if os.Getenv("FUNCTION_TARGET") == "" {
		_ = os.Setenv("FUNCTION_TARGET", "WorkspaceSyncHttp")
	}
	if err := funcframework.Start(port); err != nil {
		log.Fatalf("funcframework.Start: %v\n", err)
	}
}
