// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package reporter implements the persistence/reporting loop (C8): the
// periodic dnsseed.dat binary dump, the human-readable dnsseed.dump
// report, and the dnsstats.log stats line, on the same exponential
// schedule the original daemon uses.
package reporter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/juju/loggo"
)

var log = loggo.GetLogger("reporter")

func init() {
	loggo.ConfigureLoggers("INFO")
}

// dumpSchedule is the exponential back-off between successive dumps:
// 100s, 200s, 400s, 800s, 1600s, capping at 3200s, matching the original
// daemon's ThreadDumper cadence exactly.
var dumpSchedule = []time.Duration{
	100 * time.Second,
	200 * time.Second,
	400 * time.Second,
	800 * time.Second,
	1600 * time.Second,
	3200 * time.Second,
}

// ReportRow is one line of the human-readable dnsseed.dump report.
type ReportRow struct {
	Address          string
	Good             bool
	LastSuccess      int64
	Uptime2h         float64
	Uptime8h         float64
	Uptime1d         float64
	Uptime7d         float64
	Uptime30d        float64
	ClientVersion    int32
	ClientSubVersion string
}

// Config points the reporter at the three output files.
type Config struct {
	Dir          string // directory containing dnsseed.dat/.dump/dnsstats.log
	DatFilename  string
	DumpFilename string
	StatsFilename string
	Debug        bool
}

func (c Config) datPath() string   { return filepath.Join(c.Dir, defaultName(c.DatFilename, "dnsseed.dat")) }
func (c Config) dumpPath() string  { return filepath.Join(c.Dir, defaultName(c.DumpFilename, "dnsseed.dump")) }
func (c Config) statsPath() string { return filepath.Join(c.Dir, defaultName(c.StatsFilename, "dnsstats.log")) }

func defaultName(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Dumper owns the exponential dump schedule. The database is reached
// through three plain func fields (serialize, rows, statsLine) rather
// than *addrmgr.Manager directly so the reporter can be tested without
// constructing a real address database.
type Dumper struct {
	cfg        Config
	serialize  func(w io.Writer) error
	rows       func() []ReportRow
	statsLine  func() string

	interval int // index into dumpSchedule
}

// NewDumper builds a Dumper. serialize writes the binary dnsseed.dat
// payload, rows produces the sorted report table, statsLine produces one
// line for dnsstats.log.
func NewDumper(cfg Config, serialize func(w io.Writer) error, rows func() []ReportRow, statsLine func() string) *Dumper {
	return &Dumper{cfg: cfg, serialize: serialize, rows: rows, statsLine: statsLine}
}

// Run blocks, dumping on the exponential schedule until stop is closed.
func (d *Dumper) Run(stop <-chan struct{}) {
	for {
		delay := d.nextDelay()
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
		if err := d.DumpOnce(); err != nil {
			log.Errorf("dump failed: %v", err)
		}
	}
}

func (d *Dumper) nextDelay() time.Duration {
	delay := dumpSchedule[d.interval]
	if d.interval < len(dumpSchedule)-1 {
		d.interval++
	}
	return delay
}

// DumpOnce writes all three output files. The binary dump is written to
// a .new sibling and renamed into place, so a reader never observes a
// partially-written dnsseed.dat.
func (d *Dumper) DumpOnce() error {
	log.Debugf("dumping to %s", d.cfg.Dir)

	if err := d.writeDat(); err != nil {
		return fmt.Errorf("write dat: %w", err)
	}
	if err := d.writeReport(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := d.appendStats(); err != nil {
		return fmt.Errorf("append stats: %w", err)
	}
	return nil
}

func (d *Dumper) writeDat() error {
	datPath := d.cfg.datPath()
	tmpPath := datPath + ".new"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := d.serialize(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, datPath)
}

func (d *Dumper) writeReport() error {
	rows := d.rows()
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Uptime30d != rows[j].Uptime30d {
			return rows[i].Uptime30d > rows[j].Uptime30d
		}
		if rows[i].Uptime7d != rows[j].Uptime7d {
			return rows[i].Uptime7d > rows[j].Uptime7d
		}
		return rows[i].ClientVersion > rows[j].ClientVersion
	})

	var sb strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&sb, "%-47s  good=%-5v  last_success=%-19s  up[2h/8h/1d/7d/30d]=%.3f/%.3f/%.3f/%.3f/%.3f  %d %q\n",
			r.Address, r.Good, formatUnix(r.LastSuccess),
			r.Uptime2h, r.Uptime8h, r.Uptime1d, r.Uptime7d, r.Uptime30d,
			r.ClientVersion, r.ClientSubVersion)
	}

	if d.cfg.Debug {
		sb.WriteString("\n--- debug dump ---\n")
		sb.WriteString(spew.Sdump(rows))
	}

	return os.WriteFile(d.cfg.dumpPath(), []byte(sb.String()), 0o644)
}

func (d *Dumper) appendStats() error {
	f, err := os.OpenFile(d.cfg.statsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if fi, err := os.Stat(d.cfg.datPath()); err == nil {
		log.Debugf("dnsseed.dat is now %s", humanize.Bytes(uint64(fi.Size())))
	}

	line := d.statsLine()
	_, err = fmt.Fprintln(f, line)
	return err
}

func formatUnix(secs int64) string {
	if secs == 0 {
		return "never"
	}
	return time.Unix(secs, 0).UTC().Format(time.RFC3339)
}

// FormatStatsLine builds the dnsstats.log line the original daemon's
// ThreadStats logs once per dump: a timestamp followed by the sum, across
// every tracked record, of each uptime-window estimator (2h/8h/1d/7d/30d),
// exactly the five fields spec §8 names for this line.
func FormatStatsLine(sumUptime2h, sumUptime8h, sumUptime1d, sumUptime7d, sumUptime30d float64) string {
	return fmt.Sprintf("%s %.3f %.3f %.3f %.3f %.3f",
		time.Now().UTC().Format(time.RFC3339),
		sumUptime2h, sumUptime8h, sumUptime1d, sumUptime7d, sumUptime30d)
}
