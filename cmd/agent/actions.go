package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/printhive/edge-agent/internal/cable"
	"github.com/printhive/edge-agent/internal/gcode"
	"github.com/printhive/edge-agent/internal/marlin"
)

// startPrintMessage is the PrinterChannel's start_print action (spec §2's
// data flow): the server pushes the G-code to print inline rather than a
// URL, keeping the agent free of an HTTP download/collaborator dependency.
type startPrintMessage struct {
	cable.Acknowledgeable
	PrinterID string `json:"printer_id"`
	Gcode     string `json:"gcode"`
}

type cancelPrintMessage struct {
	PrinterID string `json:"printer_id"`
}

type sendCommandMessage struct {
	cable.Acknowledgeable
	PrinterID string `json:"printer_id"`
	Command   string `json:"command"`
}

// ultigcodeSettingsMessage carries the extruder/bed settings UltiGCode
// files omit from their own body (spec §3's Header.Flavor), sent as raw
// G-code commands to apply before a print of that flavor starts.
type ultigcodeSettingsMessage struct {
	PrinterID string   `json:"printer_id"`
	Commands  []string `json:"commands"`
}

// registerPrinterActions wires the PrinterChannel's inbound actions to
// drivers, keyed by the same alias attachPrinters registered them under.
// Handlers run on the Cable client's receive loop and must not block (spec
// §4.4), so anything that waits on a driver send is pushed onto its own
// goroutine.
func registerPrinterActions(ctx context.Context, sub *cable.Subscription, drivers map[string]*marlin.Driver) {
	cable.RegisterAcknowledgeableCallback(sub, "start_print", func(msg startPrintMessage, ack cable.AcknowledgeFunc) {
		d, ok := drivers[msg.PrinterID]
		if !ok {
			ack(fmt.Errorf("unknown printer %q", msg.PrinterID))
			return
		}
		reader := gcode.NewReader(strings.NewReader(msg.Gcode))
		if _, err := reader.Preprocess(); err != nil {
			ack(fmt.Errorf("reading gcode: %w", err))
			return
		}
		ack(nil)
		go d.PrintFile(ctx, reader, func(ev marlin.PrintEvent) {
			args := map[string]any{"printer_id": msg.PrinterID, "event": ev.Kind.String()}
			if ev.Err != nil {
				args["error"] = ev.Err.Error()
			}
			_ = sub.Perform(ctx, "print_event", args)
		})
	})

	cable.RegisterCallback(sub, "cancel_print", func(msg cancelPrintMessage) {
		if d, ok := drivers[msg.PrinterID]; ok {
			d.Cancel()
		}
	})

	cable.RegisterAcknowledgeableCallback(sub, "send_command", func(msg sendCommandMessage, ack cable.AcknowledgeFunc) {
		d, ok := drivers[msg.PrinterID]
		if !ok {
			ack(fmt.Errorf("unknown printer %q", msg.PrinterID))
			return
		}
		go func() { ack(d.SendCommand(ctx, msg.Command)) }()
	})

	cable.RegisterCallback(sub, "ultigcode_settings", func(msg ultigcodeSettingsMessage) {
		d, ok := drivers[msg.PrinterID]
		if !ok {
			return
		}
		for _, cmd := range msg.Commands {
			cmd := cmd
			go func() {
				if err := d.SendCommand(ctx, cmd); err != nil {
					_ = sub.Perform(ctx, "print_event", map[string]any{
						"printer_id": msg.PrinterID,
						"event":      marlin.EventErrored.String(),
						"error":      err.Error(),
					})
				}
			}()
		}
	})
}
