// Package guard is blank-imported by binary tests so main returns before
// dialing Postgres or Redis.
package guard

import "os"

const envTestMode = "WATCHPOST_TEST_MODE"

func init() {
	if _, set := os.LookupEnv(envTestMode); !set {
		_ = os.Setenv(envTestMode, "1")
	}
}
