package version

import "fmt"

var (
	CLIName    = "web3chat"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

// UserAgent is sent on every outbound provider request.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", CLIName, CLIVersion)
}

func Long() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s)", CLIName, CLIVersion, Commit, BuildDate)
}
