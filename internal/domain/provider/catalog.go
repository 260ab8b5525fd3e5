package provider

// Credentials are the per-provider client registration values supplied by
// deployment configuration, never checked in.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// DefaultCatalog returns the built-in provider catalog. Client credentials
// are blank until ApplyCredentials merges the deployment's registrations;
// providers stay listed but unconfigured until then.
func DefaultCatalog() []Config {
	return []Config{
		// EMRs
		{
			ID: "epic", DisplayName: "Epic", Category: CategoryEMR,
			FHIRBaseURL:  "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4",
			AuthorizeURL: "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/authorize",
			TokenURL:     "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/token",
			Scopes:       "patient/*.read launch/patient offline_access openid fhirUser",
			AuthStyle:    AuthStylePKCE, RequiresAudience: true,
		},
		{
			ID: "cerner", DisplayName: "Oracle Health (Cerner)", Category: CategoryEMR,
			FHIRBaseURL:  "https://fhir-myrecord.cerner.com/r4/ec2458f2-1e24-41c8-b71b-0e701af7583d",
			AuthorizeURL: "https://authorization.cerner.com/tenants/ec2458f2-1e24-41c8-b71b-0e701af7583d/protocols/oauth2/profiles/smart-v1/personas/patient/authorize",
			TokenURL:     "https://authorization.cerner.com/tenants/ec2458f2-1e24-41c8-b71b-0e701af7583d/protocols/oauth2/profiles/smart-v1/token",
			Scopes:       "patient/Patient.read patient/Observation.read patient/Condition.read patient/MedicationRequest.read patient/Immunization.read patient/AllergyIntolerance.read offline_access launch/patient",
			AuthStyle:    AuthStylePKCE, RequiresAudience: true,
		},
		{
			ID: "allscripts", DisplayName: "Veradigm (Allscripts)", Category: CategoryEMR,
			FHIRBaseURL:  "https://fhir.fhirpoint.open.allscripts.com/fhirroute/fhir/CustProPMP",
			AuthorizeURL: "https://fhir.fhirpoint.open.allscripts.com/fhirroute/authorization/authorize",
			TokenURL:     "https://fhir.fhirpoint.open.allscripts.com/fhirroute/authorization/token",
			Scopes:       "patient/*.read launch/patient offline_access",
			AuthStyle:    AuthStyleBasic,
		},
		{
			ID: "athenahealth", DisplayName: "athenahealth", Category: CategoryEMR,
			FHIRBaseURL:  "https://api.platform.athenahealth.com/fhir/r4",
			AuthorizeURL: "https://api.platform.athenahealth.com/oauth2/v1/authorize",
			TokenURL:     "https://api.platform.athenahealth.com/oauth2/v1/token",
			Scopes:       "patient/Patient.read patient/Observation.read patient/Condition.read offline_access",
			AuthStyle:    AuthStyleBasic,
		},
		{
			ID: "nextgen", DisplayName: "NextGen Healthcare", Category: CategoryEMR,
			FHIRBaseURL:  "https://fhir.nextgen.com/nge/prod/fhir-api-r4/fhir/R4",
			AuthorizeURL: "https://fhir.nextgen.com/nge/prod/patient-oauth/authorize",
			TokenURL:     "https://fhir.nextgen.com/nge/prod/patient-oauth/token",
			Scopes:       "patient/*.read offline_access",
			AuthStyle:    AuthStylePKCE,
		},
		{
			ID: "meditech", DisplayName: "MEDITECH", Category: CategoryEMR,
			FHIRBaseURL:  "https://fhir.meditech.com/v1/ARG/fhir/r4",
			AuthorizeURL: "https://oauth.meditech.com/oauth/authorize",
			TokenURL:     "https://oauth.meditech.com/oauth/token",
			Scopes:       "patient/*.read offline_access launch/patient",
			AuthStyle:    AuthStylePKCE,
		},
		{
			ID: "eclinicalworks", DisplayName: "eClinicalWorks", Category: CategoryEMR,
			FHIRBaseURL:  "https://fhir.eclinicalworks.com/ecwopendev/fhir/R4",
			AuthorizeURL: "https://oauthserver.eclinicalworks.com/oauth/oauth2/authorize",
			TokenURL:     "https://oauthserver.eclinicalworks.com/oauth/oauth2/token",
			Scopes:       "patient/*.read launch/patient offline_access",
			AuthStyle:    AuthStylePKCE, RequiresAudience: true,
		},
		{
			ID: "practicefusion", DisplayName: "Practice Fusion", Category: CategoryEMR,
			FHIRBaseURL:  "https://api.practicefusion.com/fhir/r4",
			AuthorizeURL: "https://api.practicefusion.com/ehr/oauth2/auth",
			TokenURL:     "https://api.practicefusion.com/ehr/oauth2/token",
			Scopes:       "patient/*.read offline_access",
			AuthStyle:    AuthStyleBasic,
		},

		// Payers
		{
			ID: "aetna", DisplayName: "Aetna", Category: CategoryPayer,
			FHIRBaseURL:  "https://vteapif1.aetna.com/fhirdemo/v1/patientaccess",
			AuthorizeURL: "https://vteapif1.aetna.com/fhirdemo/v1/fhirserver_auth/oauth2/authorize",
			TokenURL:     "https://vteapif1.aetna.com/fhirdemo/v1/fhirserver_auth/oauth2/token",
			Scopes:       "patient/*.read offline_access",
			AuthStyle:    AuthStyleBasic,
		},
		{
			ID: "cigna", DisplayName: "Cigna", Category: CategoryPayer,
			FHIRBaseURL:  "https://fhir.cigna.com/PatientAccess/v1-devportal",
			AuthorizeURL: "https://r-hi2.cigna.com/mga/sps/oauth/oauth20/authorize",
			TokenURL:     "https://r-hi2.cigna.com/mga/sps/oauth/oauth20/token",
			Scopes:       "patient/*.read offline_access",
			AuthStyle:    AuthStyleBasic,
		},
		{
			ID: "humana", DisplayName: "Humana", Category: CategoryPayer,
			FHIRBaseURL:  "https://fhir.humana.com/api",
			AuthorizeURL: "https://fhir.humana.com/oauth2/authorize",
			TokenURL:     "https://fhir.humana.com/oauth2/token",
			Scopes:       "patient/*.read offline_access",
			AuthStyle:    AuthStylePKCE,
		},
		{
			ID: "unitedhealth", DisplayName: "UnitedHealthcare", Category: CategoryPayer,
			FHIRBaseURL:  "https://public.fhir.flex.optum.com/R4",
			AuthorizeURL: "https://public.authz.flex.optum.com/oauth/authorize",
			TokenURL:     "https://public.authz.flex.optum.com/oauth/token",
			Scopes:       "patient/*.read openid offline_access",
			AuthStyle:    AuthStyleBasic,
		},
		{
			ID: "anthem", DisplayName: "Elevance Health (Anthem)", Category: CategoryPayer,
			FHIRBaseURL:  "https://patient360.anthem.com/P360Member/fhir",
			AuthorizeURL: "https://patient360.anthem.com/P360Member/oauth2/authorize",
			TokenURL:     "https://patient360.anthem.com/P360Member/oauth2/token",
			Scopes:       "patient/*.read offline_access",
			AuthStyle:    AuthStyleBasic,
		},
		{
			ID: "kaiser", DisplayName: "Kaiser Permanente", Category: CategoryPayer,
			FHIRBaseURL:  "https://healthy.kaiserpermanente.org/interop/fhir/R4",
			AuthorizeURL: "https://healthy.kaiserpermanente.org/interop/oauth2/authorize",
			TokenURL:     "https://healthy.kaiserpermanente.org/interop/oauth2/token",
			Scopes:       "patient/*.read offline_access",
			AuthStyle:    AuthStylePKCE, RequiresAudience: true,
		},
		{
			ID: "medicare-bb", DisplayName: "Medicare Blue Button 2.0", Category: CategoryPayer,
			FHIRBaseURL:  "https://sandbox.bluebutton.cms.gov/v2/fhir",
			AuthorizeURL: "https://sandbox.bluebutton.cms.gov/v2/o/authorize",
			TokenURL:     "https://sandbox.bluebutton.cms.gov/v2/o/token",
			Scopes:       "patient/Patient.read patient/ExplanationOfBenefit.read patient/Coverage.read",
			AuthStyle:    AuthStyleBasic,
		},
		{
			ID: "centene", DisplayName: "Centene", Category: CategoryPayer,
			FHIRBaseURL:  "https://production.api.centene.com/fhir/r4",
			AuthorizeURL: "https://production.api.centene.com/auth/authorize",
			TokenURL:     "https://production.api.centene.com/auth/token",
			Scopes:       "patient/*.read offline_access",
			AuthStyle:    AuthStyleBasic,
		},
		{
			ID: "molina", DisplayName: "Molina Healthcare", Category: CategoryPayer,
			FHIRBaseURL:  "https://fhir.molinahealthcare.com/fhir/r4",
			AuthorizeURL: "https://fhir.molinahealthcare.com/oauth2/authorize",
			TokenURL:     "https://fhir.molinahealthcare.com/oauth2/token",
			Scopes:       "patient/*.read offline_access",
			AuthStyle:    AuthStylePKCE,
		},

		// Labs
		{
			ID: "quest", DisplayName: "Quest Diagnostics", Category: CategoryLab,
			FHIRBaseURL:  "https://api.questdiagnostics.com/fhir/r4",
			AuthorizeURL: "https://api.questdiagnostics.com/oauth2/authorize",
			TokenURL:     "https://api.questdiagnostics.com/oauth2/token",
			Scopes:       "patient/DiagnosticReport.read patient/Observation.read offline_access",
			AuthStyle:    AuthStyleBasic,
		},
		{
			ID: "labcorp", DisplayName: "Labcorp", Category: CategoryLab,
			FHIRBaseURL:  "https://fhir.labcorp.com/fhir/r4",
			AuthorizeURL: "https://fhir.labcorp.com/oauth2/authorize",
			TokenURL:     "https://fhir.labcorp.com/oauth2/token",
			Scopes:       "patient/DiagnosticReport.read patient/Observation.read offline_access",
			AuthStyle:    AuthStylePKCE,
		},
		{
			ID: "healthgorilla", DisplayName: "Health Gorilla", Category: CategoryLab,
			FHIRBaseURL:  "https://sandbox.healthgorilla.com/fhir/R4",
			AuthorizeURL: "https://sandbox.healthgorilla.com/oauth/authorize",
			TokenURL:     "https://sandbox.healthgorilla.com/oauth/token",
			Scopes:       "patient/*.read offline_access",
			AuthStyle:    AuthStyleBasic,
		},
	}
}

// ApplyCredentials merges deployment credentials into catalog entries by
// provider id. Providers without credentials remain unconfigured.
func ApplyCredentials(configs []Config, creds map[string]Credentials) []Config {
	out := make([]Config, len(configs))
	for i, cfg := range configs {
		if c, ok := creds[cfg.ID]; ok {
			cfg.ClientID = c.ClientID
			cfg.ClientSecret = c.ClientSecret
		}
		out[i] = cfg
	}
	return out
}
