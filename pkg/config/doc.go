// Package config loads Pulse configuration from the environment.
//
// Values are read in three layers. An optional .env file (PULSE_ENV_FILE,
// default ".env") is loaded first without overriding variables that are
// already set. PULSE_* environment variables come next. Last, the YAML file
// named by PULSE_CONFIG_FILE may override the pricing table and the churn
// scoring weights:
//
//	pricing:
//	  basic: 49
//	  pro: 99
//	  premium: 299
//	churn_weights:
//	  inactivity: 35
//	  low_win_rate: 25
//
// Commonly set variables:
//
//	PULSE_PORT="8080"
//	PULSE_BATCH_SIZE="50"
//	PULSE_FLUSH_INTERVAL="30s"
//	PULSE_EVENT_STORE="mongo"      # mongo, postgres, memory
//	PULSE_USER_STORE="postgres"    # postgres, memory
//	PULSE_MONGO_URI="mongodb://localhost:27017"
//	PULSE_POSTGRES_URL="postgres://localhost/pulse?sslmode=disable"
//	PULSE_REDIS_URL="redis://localhost:6379/0"
//	PULSE_KAFKA_BROKERS="kafka-1:9092,kafka-2:9092"
//	PULSE_LOG_LEVEL="info"         # debug, info, warn, error
//	PULSE_OTEL_ENABLED="true"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
