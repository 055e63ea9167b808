package main

import (
	"fmt"

	"github.com/openpmu/sv-gateway/internal/capture"
)

// Hooks for tests (overridden in unit tests).
var (
	openEthernetSource = func(iface string) (capture.Source, error) {
		return capture.OpenEthernet(iface)
	}
	openSerialSource = func(cfg *appConfig) (capture.Source, error) {
		return capture.OpenSerial(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	}
)

// openCaptureSource opens the configured capture backend.
func openCaptureSource(cfg *appConfig) (capture.Source, error) {
	switch cfg.captureBackend {
	case "ethernet":
		src, err := openEthernetSource(cfg.iface)
		if err != nil {
			return nil, fmt.Errorf("ethernet capture %s: %w", cfg.iface, err)
		}
		return src, nil
	case "serial":
		src, err := openSerialSource(cfg)
		if err != nil {
			return nil, fmt.Errorf("serial capture %s: %w", cfg.serialDev, err)
		}
		return src, nil
	}
	return nil, fmt.Errorf("unknown capture backend: %s", cfg.captureBackend)
}
