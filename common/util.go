package common

import "os"

// GetUnitTestNatsURI helper function to read the NATS server used by unit tests.
// Returns false when no server is configured.
func GetUnitTestNatsURI() (string, bool) {
	uri, ok := os.LookupEnv("UNIT_TEST_NATS_URI")
	return uri, ok && uri != ""
}

// GetUnitTestPostgresURL helper function to read the Postgres server used by
// unit tests. Returns false when no server is configured.
func GetUnitTestPostgresURL() (string, bool) {
	url, ok := os.LookupEnv("UNIT_TEST_PG_URL")
	return url, ok && url != ""
}
