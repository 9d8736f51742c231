package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/version"
)

// printStartupBanner prints the operator-facing summary before logs start
func printStartupBanner(cfg *am.Config, verbosity int, dbPath string, port int) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Println(logger.SymPulse + " segpulse")

	relay := "single node"
	if cfg.Relay.RedisAddr != "" {
		relay = fmt.Sprintf("redis %s (%s)", cfg.Relay.RedisAddr, cfg.Relay.Channel)
	}
	events := "off"
	if cfg.Events.AMQPURL != "" {
		events = "amqp exchange " + cfg.Events.Exchange
	}

	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Version", fmt.Sprintf("%s (commit %s)", info.Version, info.Short())},
		{"Verbosity", logger.LevelName(verbosity)},
		{"Database", dbPath},
		{"Port", fmt.Sprintf("%d", port)},
		{"Workers", fmt.Sprintf("%d", cfg.Pulse.Workers)},
		{"Storage", cfg.Storage.Backend},
		{"Inference", cfg.Segmentation.BaseURL},
		{"Relay", relay},
		{"Events", events},
	}).Render()

	pterm.Info.Println("Press Ctrl+C to stop")
}
