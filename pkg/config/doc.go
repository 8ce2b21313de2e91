// Package config loads the stratum control plane configuration and validates
// resource attributes against per-type CUE schemas.
//
// # Configuration
//
// Load reads a YAML file through viper, applies STRATUM_* environment
// overrides and validates the result:
//
//	cfg, err := config.Load("stratum.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Keys nest with dots in the file and underscores in the environment, so
// database.dsn is overridden by STRATUM_DATABASE_DSN.
//
// # Attribute schemas
//
// SchemaRegistry holds one CUE schema per resource type. Each schema defines
// a closed #Attributes definition:
//
//	#Attributes: {
//	    size_gb: int & >=1 & <=65536
//	    kind?:   *"ssd" | "hdd"
//	}
//
// Built-in schemas cover every resource type. LoadDir replaces them with
// <resource-type>.cue files from a directory.
package config
