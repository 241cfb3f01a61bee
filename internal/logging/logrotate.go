package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for jobwatch %s
# Install: sudo cp this file to /etc/logrotate.d/jobwatch-%s

%s/%s/*.log {
    daily
    rotate 14
    compress
    delaycompress
    missingok
    notifempty

    # the log file stays open for the lifetime of watch
    copytruncate
}
`, component, component, BaseDir, component)
}
