package workspace

import (
	"errors"
	"fmt"

	ksm "github.com/keeper-security/secrets-manager-go/core"
	"github.com/timesheet-app/workspace-sync/config"
)

const credentialsFileName = "credentials.json"

// ServiceAccountParameters is the service account material kept in a Keeper
// record: the credentials.json attachment, the admin login used as the
// impersonated subject and optional custom fields.
type ServiceAccountParameters struct {
	Credentials              []byte
	AdminAccount             string
	Domain                   string
	WorkloadIdentityProvider string
}

// Apply overrides the environment service account settings with the record.
func (p *ServiceAccountParameters) Apply(cfg *config.Config) {
	cfg.ServiceAccountJSON = p.Credentials
	if p.AdminAccount != "" {
		cfg.WorkspaceAdmin = p.AdminAccount
	}
	if p.Domain != "" {
		cfg.WorkspaceDomain = p.Domain
	}
	if p.WorkloadIdentityProvider != "" {
		cfg.WorkloadIdentityProvider = p.WorkloadIdentityProvider
	}
}

// LoadKsmServiceAccount fetches the records shared with the KSM application
// and loads the first login record carrying a credentials.json file.
func LoadKsmServiceAccount(configBase64, recordUID string) (params *ServiceAccountParameters, err error) {
	if len(configBase64) == 0 {
		err = &config.ConfigurationError{Component: "keeper", Missing: []string{"KSM_CONFIG_BASE64"}}
		return
	}
	var storage = ksm.NewMemoryKeyValueStorage(configBase64)
	var sm = ksm.NewSecretsManager(&ksm.ClientOptions{
		Config: storage,
	})

	var filter []string
	if len(recordUID) > 0 {
		filter = append(filter, recordUID)
	}
	var records []*ksm.Record
	if records, err = sm.GetSecrets(filter); err != nil {
		err = fmt.Errorf("keeper: get secrets: %w", err)
		return
	}
	var record = FindServiceAccountRecord(records)
	if record == nil {
		err = errors.New("service account record was not found. Make sure the record has a credentials.json attachment and is shared to the KSM application")
		return
	}
	return LoadServiceAccountFromRecord(record)
}

func FindServiceAccountRecord(records []*ksm.Record) *ksm.Record {
	for _, r := range records {
		if r.Type() != "login" {
			continue
		}
		if len(r.FindFiles(credentialsFileName)) == 0 {
			continue
		}
		return r
	}
	return nil
}

func LoadServiceAccountFromRecord(record *ksm.Record) (params *ServiceAccountParameters, err error) {
	var files = record.FindFiles(credentialsFileName)
	if len(files) == 0 {
		err = fmt.Errorf("record %q has no %s attachment", record.Title(), credentialsFileName)
		return
	}
	var credentials = files[0].GetFileData()
	if len(credentials) == 0 {
		err = fmt.Errorf("%s attachment of record %q is empty", credentialsFileName, record.Title())
		return
	}
	params = &ServiceAccountParameters{
		Credentials:  credentials,
		AdminAccount: record.GetFieldValueByType("login"),
	}
	if values := fieldStrings(record.GetCustomFieldsByLabel("Workspace Domain")); len(values) > 0 {
		params.Domain = values[0]
	}
	if values := fieldStrings(record.GetCustomFieldsByLabel("Workload Identity Provider")); len(values) > 0 {
		params.WorkloadIdentityProvider = values[0]
	}
	return
}
