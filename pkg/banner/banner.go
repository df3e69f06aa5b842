package banner

import (
	"fmt"

	"chatsync/pkg/config"
)

const banner = `
 ██████╗██╗  ██╗ █████╗ ████████╗███████╗██╗   ██╗███╗   ██╗ ██████╗
██╔════╝██║  ██║██╔══██╗╚══██╔══╝██╔════╝╚██╗ ██╔╝████╗  ██║██╔════╝
██║     ███████║███████║   ██║   ███████╗ ╚████╔╝ ██║╚██╗ ██║██║
██║     ██╔══██║██╔══██║   ██║   ╚════██║  ╚██╔╝  ██║ ██║╚██║██║
╚██████╗██║  ██║██║  ██║   ██║   ███████║   ██║   ██║ ╚████║╚██████╗
 ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   ╚══════╝   ╚═╝   ╚═╝  ╚═══╝ ╚═════╝
`

// Print writes the startup banner with the effective endpoints and storage
// location so a glance at the log tells you what this engine talks to.
func Print(cfg *config.Config, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("User:      %s\n", cfg.Client.UserID)
	fmt.Printf("Data Dir:  %s\n", cfg.Client.DataDir)
	fmt.Printf("Channel:   %s\n", cfg.Channel.URL)
	fmt.Printf("API:       %s\n", cfg.API.BaseURL)
	if cfg.Diagnostics.Enabled {
		fmt.Printf("Diag:      http://%s\n", cfg.Diagnostics.Address)
	}
	if version != "" {
		fmt.Printf("Version:   %s\n", version)
	}
	fmt.Println("===============================================================")
}
