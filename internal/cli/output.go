// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keylifecycle.
//
// go-keylifecycle is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jeremyhahn/go-keylifecycle/pkg/backend/tpm2"
	"github.com/jeremyhahn/go-keylifecycle/pkg/backup"
	"github.com/jeremyhahn/go-keylifecycle/pkg/restore"
	"github.com/jeremyhahn/go-keylifecycle/pkg/rotation"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText  OutputFormat = "text"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintKeyList prints a list of keys
func (p *Printer) PrintKeyList(keys []types.KeyInfo) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"keys":  keys,
			"count": len(keys),
		})
	case OutputFormatTable:
		if len(keys) == 0 {
			fmt.Fprintln(p.writer, "No keys found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-42s %-12s %-16s %-10s %-10s %-16s %10s\n",
			"ID", "TYPE", "ALGORITHM", "BACKEND", "STATUS", "AGE", "SIZE")
		fmt.Fprintln(p.writer, strings.Repeat("-", 122))
		for _, key := range keys {
			fmt.Fprintf(p.writer, "%-42s %-12s %-16s %-10s %-10s %-16s %10s\n",
				key.ID, key.Type, key.Algorithm, key.Backend, key.Status,
				humanize.Time(key.CreatedAt), humanize.Bytes(uint64(key.Size)))
		}
		return nil
	case OutputFormatText:
		if len(keys) == 0 {
			fmt.Fprintln(p.writer, "No keys found")
			return nil
		}
		fmt.Fprintln(p.writer, "Keys:")
		for _, key := range keys {
			fmt.Fprintf(p.writer, "  - %s (%s, %s, %s, %s)\n",
				key.ID, key.Algorithm, key.Status,
				humanize.Time(key.CreatedAt), humanize.Bytes(uint64(key.Size)))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintKeyInfo prints one key's metadata
func (p *Printer) PrintKeyInfo(key types.KeyInfo) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(key)
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, "Key Information:")
		fmt.Fprintf(p.writer, "  ID:        %s\n", key.ID)
		fmt.Fprintf(p.writer, "  Type:      %s\n", key.Type)
		fmt.Fprintf(p.writer, "  Algorithm: %s\n", key.Algorithm)
		fmt.Fprintf(p.writer, "  Backend:   %s\n", key.Backend)
		fmt.Fprintf(p.writer, "  Status:    %s\n", key.Status)
		fmt.Fprintf(p.writer, "  Created:   %s\n", key.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		if key.ExpiresAt != nil {
			fmt.Fprintf(p.writer, "  Expires:   %s\n", key.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
		}
		if key.TPMSealed {
			fmt.Fprintln(p.writer, "  Sealed:    tpm")
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintArchiveList prints the backup inventory
func (p *Printer) PrintArchiveList(archives []backup.ArchiveInfo) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"archives": archives,
			"count":    len(archives),
		})
	case OutputFormatTable:
		if len(archives) == 0 {
			fmt.Fprintln(p.writer, "No archives found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-48s %-12s %-12s %-16s %10s\n",
			"NAME", "TYPE", "SCOPE", "AGE", "SIZE")
		fmt.Fprintln(p.writer, strings.Repeat("-", 102))
		for _, a := range archives {
			fmt.Fprintf(p.writer, "%-48s %-12s %-12s %-16s %10s\n",
				a.Name, a.Type, a.Scope, humanize.Time(a.CreatedAt), humanize.Bytes(uint64(a.Size)))
		}
		return nil
	case OutputFormatText:
		if len(archives) == 0 {
			fmt.Fprintln(p.writer, "No archives found")
			return nil
		}
		fmt.Fprintln(p.writer, "Archives:")
		for _, a := range archives {
			fmt.Fprintf(p.writer, "  - %s (%s, %s, %s)\n",
				a.Name, a.Type, humanize.Time(a.CreatedAt), humanize.Bytes(uint64(a.Size)))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintBackupReport prints the outcome of a backup run
func (p *Printer) PrintBackupReport(archive *backup.Archive) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(archive)
	case OutputFormatTable, OutputFormatText:
		if archive.DryRun {
			fmt.Fprintf(p.writer, "Dry run: would archive %d key(s) (%d file(s)) for scope %q\n",
				archive.KeyCount, archive.FileCount, archive.Scope)
			return nil
		}
		fmt.Fprintf(p.writer, "Backup complete: %s\n", archive.BackupID)
		fmt.Fprintf(p.writer, "  Type:   %s\n", archive.Type)
		fmt.Fprintf(p.writer, "  Scope:  %s\n", archive.Scope)
		fmt.Fprintf(p.writer, "  Keys:   %d\n", archive.KeyCount)
		fmt.Fprintf(p.writer, "  Files:  %d\n", archive.FileCount)
		if archive.Failed > 0 {
			fmt.Fprintf(p.writer, "  Failed: %d\n", archive.Failed)
		}
		fmt.Fprintf(p.writer, "  Size:   %s\n", humanize.Bytes(uint64(archive.Size)))
		fmt.Fprintf(p.writer, "  Path:   %s\n", archive.Path)
		if archive.Uploaded {
			fmt.Fprintln(p.writer, "  Remote: uploaded")
		} else if archive.RemoteError != "" {
			fmt.Fprintf(p.writer, "  Remote: failed (%s)\n", archive.RemoteError)
		}
		if len(archive.Pruned) > 0 {
			fmt.Fprintf(p.writer, "  Pruned: %d expired archive(s)\n", len(archive.Pruned))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintRestoreReport prints the outcome of a restore or verify run.
// Per-key rows appear in table output and, with verbose set, in text
// output too.
func (p *Printer) PrintRestoreReport(report *restore.Report, verbose bool) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(report)
	case OutputFormatTable, OutputFormatText:
		action := "Restore"
		if report.Test {
			action = "Verification"
		}
		fmt.Fprintf(p.writer, "%s of %s: restored %d, skipped %d, failed %d\n",
			action, report.Archive, report.Restored, report.Skipped, report.Failed)
		if report.Verification != nil {
			v := report.Verification
			fmt.Fprintf(p.writer, "  Checksums: %d matched", v.Matched())
			if len(v.Mismatched()) > 0 {
				fmt.Fprintf(p.writer, ", %d mismatched", len(v.Mismatched()))
			}
			if len(v.Missing()) > 0 {
				fmt.Fprintf(p.writer, ", %d missing", len(v.Missing()))
			}
			if len(v.Unlisted) > 0 {
				fmt.Fprintf(p.writer, ", %d unlisted", len(v.Unlisted))
			}
			fmt.Fprintln(p.writer)
			for _, file := range v.Mismatched() {
				fmt.Fprintf(p.writer, "    mismatch: %s\n", file)
			}
			for _, file := range v.Missing() {
				fmt.Fprintf(p.writer, "    missing:  %s\n", file)
			}
			for _, file := range v.Unlisted {
				fmt.Fprintf(p.writer, "    unlisted: %s\n", file)
			}
		}
		if p.format == OutputFormatTable || verbose {
			for _, key := range report.Keys {
				if key.Reason != "" {
					fmt.Fprintf(p.writer, "  %-42s %-10s %s\n", key.ID, key.Status, key.Reason)
				} else {
					fmt.Fprintf(p.writer, "  %-42s %-10s\n", key.ID, key.Status)
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintRotationResult prints the keys produced by a rotation run
func (p *Printer) PrintRotationResult(rotated []*types.Key) error {
	switch p.format {
	case OutputFormatJSON:
		infos := make([]types.KeyInfo, len(rotated))
		for i, key := range rotated {
			infos[i] = key.KeyInfo
		}
		return p.printJSON(map[string]interface{}{
			"rotated": infos,
			"count":   len(infos),
		})
	case OutputFormatTable, OutputFormatText:
		if len(rotated) == 0 {
			fmt.Fprintln(p.writer, "No keys rotated")
			return nil
		}
		fmt.Fprintf(p.writer, "Rotated %d key(s):\n", len(rotated))
		for _, key := range rotated {
			fmt.Fprintf(p.writer, "  - %s (%s, %s)\n", key.ID, key.Algorithm, key.Backend)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintDueReport prints how each key type stands against its schedule
func (p *Printer) PrintDueReport(due []rotation.DueStatus) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"rotations": due,
		})
	case OutputFormatTable:
		if len(due) == 0 {
			fmt.Fprintln(p.writer, "No keys found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-12s %-42s %-10s %-22s %-5s\n",
			"TYPE", "NEWEST KEY", "INTERVAL", "NEXT ROTATION", "DUE")
		fmt.Fprintln(p.writer, strings.Repeat("-", 96))
		for _, st := range due {
			fmt.Fprintf(p.writer, "%-12s %-42s %8dd %-22s %-5t\n",
				st.KeyType, st.NewestKeyID, st.IntervalDays,
				st.NextRotation.Format("2006-01-02 15:04:05"), st.Due)
		}
		return nil
	case OutputFormatText:
		if len(due) == 0 {
			fmt.Fprintln(p.writer, "No keys found")
			return nil
		}
		for _, st := range due {
			state := "ok"
			if st.Due {
				state = "DUE"
			}
			fmt.Fprintf(p.writer, "  %-12s %s (next rotation %s, %s)\n",
				st.KeyType, state, st.NextRotation.Format("2006-01-02"), humanize.Time(st.NewestAt))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintTPMInfo prints the TPM device properties
func (p *Printer) PrintTPMInfo(devicePath string, info *tpm2.Info) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"device":           devicePath,
			"available":        true,
			"manufacturer":     info.Manufacturer,
			"vendor_string":    info.VendorString,
			"firmware_version": info.FirmwareVersion,
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, "TPM 2.0 device available")
		fmt.Fprintf(p.writer, "  Device:       %s\n", devicePath)
		fmt.Fprintf(p.writer, "  Manufacturer: %s\n", info.Manufacturer)
		if info.VendorString != "" {
			fmt.Fprintf(p.writer, "  Vendor:       %s\n", info.VendorString)
		}
		fmt.Fprintf(p.writer, "  Firmware:     %s\n", info.FirmwareVersion)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintStatusReport prints the full lifecycle status
func (p *Printer) PrintStatusReport(report *StatusReport) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(report)
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, "Keystore:")
		if len(report.Keys) == 0 {
			fmt.Fprintln(p.writer, "  empty")
		}
		for _, tc := range report.Keys {
			fmt.Fprintf(p.writer, "  %-12s %d active", tc.KeyType, tc.Active)
			if tc.Rotating > 0 {
				fmt.Fprintf(p.writer, ", %d rotating", tc.Rotating)
			}
			if tc.Retired > 0 {
				fmt.Fprintf(p.writer, ", %d retired", tc.Retired)
			}
			fmt.Fprintln(p.writer)
		}

		dueCount := 0
		for _, st := range report.Rotations {
			if st.Due {
				dueCount++
			}
		}
		fmt.Fprintf(p.writer, "Rotation: %d type(s) due\n", dueCount)
		_ = p.PrintDueReport(report.Rotations)
		for _, stale := range report.Stale {
			fmt.Fprintf(p.writer, "  WARNING: %s stuck in rotating since %s\n",
				stale.ID, humanize.Time(stale.CreatedAt))
		}

		if report.TPM != nil {
			if report.TPM.Available {
				fmt.Fprintf(p.writer, "TPM: available (%s)\n", report.TPM.DevicePath)
			} else {
				fmt.Fprintf(p.writer, "TPM: unavailable (%s): %s\n",
					report.TPM.DevicePath, report.TPM.Error)
			}
		} else {
			fmt.Fprintln(p.writer, "TPM: not configured")
		}

		if report.Metadata != nil {
			if report.Metadata.Reachable {
				fmt.Fprintln(p.writer, "Metadata store: reachable")
			} else {
				fmt.Fprintf(p.writer, "Metadata store: unreachable: %s\n", report.Metadata.Error)
			}
		} else {
			fmt.Fprintln(p.writer, "Metadata store: not configured (local-only mode)")
		}

		fmt.Fprintf(p.writer, "Backups: %d archive(s)\n", len(report.Archives))
		if len(report.Archives) > 0 {
			newest := report.Archives[0]
			fmt.Fprintf(p.writer, "  newest: %s (%s)\n", newest.Name, humanize.Time(newest.CreatedAt))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status":  "success",
			"message": message,
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// printJSON prints data as JSON
func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
