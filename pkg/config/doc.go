// Package config loads the fnrelease configuration.
//
// The configuration is a YAML file decoded over DefaultConfig, so a file only
// needs the keys it changes:
//
//	project: my-project
//	projectNumber: "123456789"
//	sources:
//	  default:
//	    sourceUrl: https://storage.example/upload
//	    storage:
//	      bucket: gcf-sources
//	      object: default.zip
//	pools:
//	  functions:
//	    concurrency: 2
//	planner:
//	  allowV1ToV2Upgrade: false
//
// The endpoints key points the API clients at emulators; insecure dials the
// gRPC ones in plaintext.
//
// Credentials are never read from the file. FNRELEASE_ACCESS_TOKEN supplies
// the bearer token, and FNRELEASE_PROJECT and FNRELEASE_PROJECT_NUMBER
// override the target project. Validation uses go-playground/validator struct
// tags followed by the nested telemetry configuration checks.
package config
