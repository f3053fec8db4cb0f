// Package config loads the tracegrid configuration.
//
// A configuration file is YAML with five sections:
//
//	storage:
//	  driver: sqlite            # memory, sqlite or postgres
//	  sqlite_path: /var/lib/tracegrid/tracegrid.db
//	  pool:
//	    max_open_conns: 10
//	    acquire_timeout: 5s
//	tenancy:
//	  default_service_id: circuit-01::svc-a
//	api:
//	  listen_address: ":8080"
//	  default_page_limit: 100
//	ledger:
//	  status_url: http://localhost:8008
//	  poll_interval: 5s
//	telemetry:
//	  logging:
//	    level: info
//
// Missing values take the defaults from Default. The environment variables
// TRACEGRID_STORAGE_DRIVER, TRACEGRID_SQLITE_PATH, TRACEGRID_POSTGRES_DSN,
// TRACEGRID_DEFAULT_SERVICE_ID, TRACEGRID_LISTEN_ADDRESS and LOG_LEVEL take
// precedence over the file. The result is validated with struct tags before
// it is returned.
//
// Watch follows a configuration file and hands every valid revision to a
// callback; the serve command uses it to change the log level without a
// restart.
package config
