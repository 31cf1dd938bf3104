package engine

// buildRunArgs assembles the fixed argument template for a non-GUI run. The
// only variable parts are server-derived paths; no user-supplied string ever
// reaches the command line.
func buildRunArgs(definitionPath, resultLogPath, engineLogPath string) []string {
	return []string{
		"-n",
		"-t", definitionPath,
		"-l", resultLogPath,
		"-j", engineLogPath,
	}
}
