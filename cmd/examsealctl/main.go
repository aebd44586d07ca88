// examsealctl is the control CLI for sealed exam papers.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"examseal/internal/config"
	"examseal/internal/sealerr"
	"examseal/internal/sealing"
)

var (
	configPath = flag.String("config", "", "path to config file")
	user       = flag.String("user", os.Getenv("USER"), "user recorded in the audit log")
	role       = flag.String("role", "admin", "caller role: admin, faculty, exam_center")
	jsonOut    = flag.Bool("json", false, "print results as JSON")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	case "seal":
		err = cmdSeal(args)
	case "schedule":
		err = cmdSchedule(args)
	case "release":
		err = cmdRelease(args)
	case "decrypt":
		err = cmdDecrypt(args)
	case "status":
		err = cmdStatus(args)
	case "list":
		err = cmdList(args)
	case "exams":
		err = cmdExams(args)
	case "verify":
		err = cmdVerify(args)
	case "logs":
		err = cmdLogs(args)
	case "stats":
		err = cmdStats(args)
	case "verify-log":
		err = cmdVerifyLog(args)
	case "access-count":
		err = cmdAccessCount(args)
	case "metadata":
		err = cmdMetadata(args)
	case "package":
		err = cmdPackage(args)
	case "sweep":
		err = cmdSweep(args)
	case "catalog":
		err = cmdCatalog(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `examsealctl - Control utility for sealed exam papers

Usage: examsealctl [options] <command> [args]

Commands:
  seal <exam_id> <scheduled_time> <page>...   Scramble and seal page images
  schedule <exam_id> <scheduled_time>         Move the release time
  release <exam_id>                           Release the chaos key
  decrypt <exam_id>                           Recover the original pages
  status <exam_id>                            Show lifecycle status
  list                                        List all scheduled exams
  exams                                       Exam-center view of all exams
  verify <exam_id>                            Verify page integrity
  logs [-event e] [-user u] [-exam id] [-limit n] [-format text|json|csv]
                                              Show audit log entries
  stats                                       Audit log statistics
  verify-log                                  Verify the audit hash chain
  access-count <exam_id>                      Decrypt the access counter
  metadata <exam_id>                          Decrypt all encrypted metadata
  package <exam_id> [output.zip]              Export the scrambled package
  sweep [-release]                            List (and release) due exams
  catalog status|rollback                     Show or roll back catalog migrations
  help                                        Show this help message

Times are ISO-8601, e.g. 2026-06-01T09:30:00 (local time).

Options:
  -config <path>  Path to config file
  -user <name>    User recorded in the audit log (default: $USER)
  -role <role>    Caller role (default: admin)
  -json           Print results as JSON`)
}

// exitCode maps security violations to a distinct status. Transient
// storage faults exit with EX_TEMPFAIL so wrappers can retry.
func exitCode(err error) int {
	switch {
	case sealerr.IsSecurityViolation(err):
		return 3
	case errors.Is(err, sealerr.ErrPermissionDenied):
		return 4
	case errors.Is(err, sealerr.ErrReleaseTooEarly):
		return 5
	case sealerr.IsRetryable(err):
		return 75
	}
	return 1
}

func openRuntime() (*sealing.Runtime, sealing.Caller, error) {
	r, err := sealing.ParseRole(*role)
	if err != nil {
		return nil, sealing.Caller{}, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, sealing.Caller{}, fmt.Errorf("load config: %w", err)
	}
	logger, err := sealing.NewLogger(cfg.Logging)
	if err != nil {
		return nil, sealing.Caller{}, err
	}
	rt, err := sealing.Open(cfg, logger, nil)
	if err != nil {
		return nil, sealing.Caller{}, err
	}
	return rt, sealing.Caller{User: *user, Role: r}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: examsealctl %s", usage)
	}
	return nil
}
