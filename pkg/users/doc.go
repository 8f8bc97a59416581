// Package users reads the user aggregate the analytics engine computes
// revenue, cohort and churn metrics over.
//
// The aggregate is owned by the account service; this package never writes
// it outside of migrations and test fixtures. Two backends are provided:
// PostgresStore for production and MemoryStore for tests and local runs.
package users
