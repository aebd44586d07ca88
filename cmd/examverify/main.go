// Command examverify checks an audit log and a sealed exam directory
// offline. It only reads files, so it can run against a read-only copy
// handed to an auditor.
//
// Usage:
//
//	examverify [flags] [file]...
//
// Examples:
//
//	# Verify the audit hash chain
//	examverify -logs /var/lib/examseal/logs.json
//
//	# Verify the scrambled pages of one exam against integrity.sha256
//	examverify -exam /var/lib/examseal/uploads/CS101
//
//	# Hash arbitrary files
//	examverify page_1.png page_2.png
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"examseal/internal/asset"
	"examseal/internal/auditlog"
	"examseal/internal/integrity"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// Result is the combined outcome printed by examverify.
type Result struct {
	Valid    bool                          `json:"valid"`
	Log      *LogResult                    `json:"log,omitempty"`
	Exam     *ExamResult                   `json:"exam,omitempty"`
	Files    map[string]integrity.FileInfo `json:"files,omitempty"`
	Failures []string                      `json:"failures,omitempty"`
}

// LogResult describes a verified audit log.
type LogResult struct {
	Path       string               `json:"path"`
	ChainValid bool                 `json:"chain_valid"`
	Error      string               `json:"error,omitempty"`
	Stats      *auditlog.Statistics `json:"statistics,omitempty"`
}

// ExamResult describes a verified exam directory.
type ExamResult struct {
	Dir    string            `json:"dir"`
	Error  string            `json:"error,omitempty"`
	Report *integrity.Report `json:"report,omitempty"`
}

func main() {
	logsPath := flag.String("logs", "", "path to logs.json")
	examDir := flag.String("exam", "", "path to a sealed exam directory")
	formatStr := flag.String("format", "text", "output format: text, json")
	output := flag.String("output", "", "output file (default: stdout)")
	stats := flag.Bool("stats", false, "include audit log statistics")
	quiet := flag.Bool("quiet", false, "quiet mode - only print result code")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "examverify - Offline verification of examseal artifacts\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [file]...\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExit Codes:\n")
		fmt.Fprintf(os.Stderr, "  0 - Everything verified\n")
		fmt.Fprintf(os.Stderr, "  1 - Verification failed\n")
		fmt.Fprintf(os.Stderr, "  2 - Usage error\n")
	}
	flag.Parse()

	if *versionFlag {
		fmt.Printf("examverify %s (commit: %s, built: %s)\n", version, commit, buildTime)
		os.Exit(0)
	}
	if *logsPath == "" && *examDir == "" && flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *formatStr != "text" && *formatStr != "json" {
		fmt.Fprintf(os.Stderr, "Error: unknown format %q\n", *formatStr)
		os.Exit(2)
	}

	res := &Result{Valid: true}
	if *logsPath != "" {
		res.Log = verifyLog(*logsPath, *stats)
		if !res.Log.ChainValid {
			res.fail("audit log: " + res.Log.Error)
		}
	}
	if *examDir != "" {
		res.Exam = verifyExam(*examDir)
		switch {
		case res.Exam.Error != "":
			res.fail("exam: " + res.Exam.Error)
		case !res.Exam.Report.Valid:
			res.fail("exam: " + res.Exam.Report.Err().Error())
		}
	}
	if flag.NArg() > 0 {
		res.Files = integrity.VerifyFiles(flag.Args())
		for _, p := range flag.Args() {
			if !res.Files[p].Exists {
				res.fail("missing file: " + p)
			}
		}
	}

	if !*quiet {
		var w io.Writer = os.Stdout
		if *output != "" {
			f, err := os.Create(*output)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(2)
			}
			defer f.Close()
			w = f
		}
		var err error
		if *formatStr == "json" {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			err = enc.Encode(res)
		} else {
			err = writeText(w, res)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	}

	if !res.Valid {
		os.Exit(1)
	}
}

func (r *Result) fail(msg string) {
	r.Valid = false
	r.Failures = append(r.Failures, msg)
}

func verifyLog(path string, withStats bool) *LogResult {
	out := &LogResult{Path: path}
	entries, err := auditlog.ReadFile(path)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	if err := auditlog.VerifyChainErr(entries); err != nil {
		out.Error = err.Error()
	} else {
		out.ChainValid = true
	}
	if withStats {
		s := auditlog.Summarize(entries)
		out.Stats = &s
	}
	return out
}

func verifyExam(dir string) *ExamResult {
	dir = filepath.Clean(dir)
	out := &ExamResult{Dir: dir}
	layout := asset.Layout{Root: filepath.Dir(dir)}
	id := filepath.Base(dir)

	m, err := integrity.ReadManifest(layout.IntegrityPath(id))
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Report = integrity.VerifyPages(m, func(page int) ([]byte, error) {
		return os.ReadFile(layout.ScrambledPath(id, page))
	})
	return out
}

func writeText(w io.Writer, r *Result) error {
	if r.Log != nil {
		fmt.Fprintf(w, "Audit log: %s\n", r.Log.Path)
		if r.Log.ChainValid {
			fmt.Fprintf(w, "  chain: VALID\n")
		} else {
			fmt.Fprintf(w, "  chain: INVALID (%s)\n", r.Log.Error)
		}
		if s := r.Log.Stats; s != nil {
			fmt.Fprintf(w, "  entries: %d\n", s.TotalEntries)
			events := make([]string, 0, len(s.Events))
			for e := range s.Events {
				events = append(events, e)
			}
			sort.Strings(events)
			for _, e := range events {
				fmt.Fprintf(w, "    %-14s %d\n", e, s.Events[e])
			}
		}
	}
	if r.Exam != nil {
		fmt.Fprintf(w, "Exam: %s\n", r.Exam.Dir)
		if r.Exam.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Exam.Error)
		} else {
			for _, p := range r.Exam.Report.Pages {
				mark := "OK"
				if !p.Valid {
					mark = "FAILED"
				}
				fmt.Fprintf(w, "  %s: %s\n", integrity.PageLabel(p.Page), mark)
			}
		}
	}
	if len(r.Files) > 0 {
		paths := make([]string, 0, len(r.Files))
		for p := range r.Files {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			fi := r.Files[p]
			if fi.Exists {
				fmt.Fprintf(w, "%s  %s (%d bytes)\n", fi.Hash, p, fi.Size)
			} else {
				fmt.Fprintf(w, "%-64s  %s\n", "MISSING", p)
			}
		}
	}
	if r.Valid {
		_, err := fmt.Fprintln(w, "Result: PASSED")
		return err
	}
	_, err := fmt.Fprintln(w, "Result: FAILED")
	return err
}
