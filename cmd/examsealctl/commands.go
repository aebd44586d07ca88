package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"examseal/internal/auditlog"
	"examseal/internal/integrity"
	"examseal/internal/sealerr"
	"examseal/internal/sealing"
	"examseal/internal/store"
	"examseal/internal/timelock"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdSeal(args []string) error {
	if err := needArgs(args, 3, "seal <exam_id> <scheduled_time> <page>..."); err != nil {
		return err
	}
	at, err := timelock.ParseISO(args[1])
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	pages, err := sealing.LoadPages(ctx, args[2:])
	if err != nil {
		return err
	}

	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.Seal(ctx, caller, sealing.SealRequest{ExamID: args[0], ScheduledTime: at, Pages: pages})
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(res)
	}
	fmt.Printf("Sealed %s: %d pages, release at %s\n", res.ExamID, res.TotalPages, res.ScheduledTime)
	for n := 1; n <= res.TotalPages; n++ {
		l := integrity.PageLabel(n)
		fmt.Printf("  %s: %s\n", l, res.Hashes[l])
	}
	return nil
}

func cmdSchedule(args []string) error {
	if err := needArgs(args, 2, "schedule <exam_id> <scheduled_time>"); err != nil {
		return err
	}
	at, err := timelock.ParseISO(args[1])
	if err != nil {
		return err
	}
	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, err := rt.Schedule(caller, args[0], at)
	if err != nil {
		return err
	}
	fmt.Printf("Release of %s scheduled for %s\n", rec.ExamID, rec.ScheduledTime)
	return nil
}

func cmdRelease(args []string) error {
	if err := needArgs(args, 1, "release <exam_id>"); err != nil {
		return err
	}
	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, err := rt.ReleaseKey(caller, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Chaos key released for %s at %s\n", rec.ExamID, *rec.ReleaseTime)
	return nil
}

func cmdDecrypt(args []string) error {
	if err := needArgs(args, 1, "decrypt <exam_id>"); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.Decrypt(ctx, caller, args[0])
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(res)
	}
	fmt.Printf("Decrypted %d pages of %s into %s\n", res.TotalPages, res.ExamID, res.DecryptedDir)
	return nil
}

func cmdStatus(args []string) error {
	if err := needArgs(args, 1, "status <exam_id>"); err != nil {
		return err
	}
	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	st, err := rt.Status(caller, args[0])
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(st)
	}
	fmt.Printf("=== %s ===\n", st.ExamID)
	fmt.Printf("State:           %s\n", st.State)
	fmt.Printf("Scheduled:       %s\n", st.ScheduledTime)
	fmt.Printf("Countdown:       %s\n", st.Countdown)
	fmt.Printf("Key released:    %v\n", st.KeyReleased)
	fmt.Printf("Decrypted:       %v\n", st.Decrypted)
	fmt.Printf("Pages:           %d (%d scrambled on disk)\n", st.TotalPages, st.ScrambledCount)
	fmt.Printf("Chaos key file:  %v\n", st.ChaosKeyExists)
	fmt.Printf("Exam active:     %v (ends %s)\n", st.ExamActive, st.ExamEndTime)
	fmt.Printf("Status:          %s\n", st.StatusMessage)
	return nil
}

func cmdList(args []string) error {
	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	list, err := rt.ListScheduled(caller)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No exams sealed")
		return nil
	}
	fmt.Printf("%-20s %-28s %-13s %s\n", "EXAM", "SCHEDULED", "STATE", "COUNTDOWN")
	for _, info := range list {
		fmt.Printf("%-20s %-28s %-13s %s\n", info.ExamID, info.ScheduledTime, info.State, info.Countdown)
	}
	return nil
}

func cmdExams(args []string) error {
	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	view, err := rt.ExamCenterView(caller)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(view)
	}
	for _, e := range view {
		fmt.Printf("%-20s %-28s released=%v\n", e.ExamID, e.ScheduledTime, e.KeyReleased)
	}
	return nil
}

func cmdVerify(args []string) error {
	if err := needArgs(args, 1, "verify <exam_id>"); err != nil {
		return err
	}
	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	report, verr := rt.VerifyIntegrity(caller, args[0])
	if report == nil {
		return verr
	}
	if *jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
		return verr
	}
	for _, p := range report.Pages {
		mark := "OK"
		if !p.Valid {
			mark = "FAILED"
		}
		fmt.Printf("  page_%d: %s", p.Page, mark)
		if p.Error != "" {
			fmt.Printf(" (%s)", p.Error)
		}
		fmt.Println()
	}
	if verr != nil {
		return verr
	}
	fmt.Printf("Integrity of %s: PASSED (%d pages)\n", args[0], report.Total)
	return nil
}

func cmdLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	event := fs.String("event", "", "filter by event")
	byUser := fs.String("user", "", "filter by user")
	exam := fs.String("exam", "", "filter by exam id")
	limit := fs.Int("limit", 0, "show only the last n entries")
	format := fs.String("format", "text", "output format: text, json, csv")
	fs.Parse(args)

	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.Logs(caller, auditlog.Filter{Event: *event, User: *byUser, ExamID: *exam, Limit: *limit})
	if err != nil {
		return err
	}
	if *format != "text" {
		return auditlog.Export(os.Stdout, entries, *format)
	}
	for _, e := range entries {
		id := e.Exam()
		if id == "" {
			id = "-"
		}
		fmt.Printf("%4d  %-26s  %-12s %-12s %-12s %s\n", e.ID, e.Timestamp, e.Event, e.User, id, e.Details)
	}
	return nil
}

func cmdStats(args []string) error {
	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	st, err := rt.LogStatistics(caller)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(st)
	}
	fmt.Printf("Entries:     %d\n", st.TotalEntries)
	fmt.Printf("Chain valid: %v\n", st.ChainValid)
	fmt.Println("Events:")
	for _, k := range sortedKeys(st.Events) {
		fmt.Printf("  %-12s %d\n", k, st.Events[k])
	}
	fmt.Println("Users:")
	for _, k := range sortedKeys(st.Users) {
		fmt.Printf("  %-12s %d\n", k, st.Users[k])
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cmdVerifyLog(args []string) error {
	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.VerifyLog(caller); err != nil {
		return err
	}
	fmt.Println("Audit chain: VALID")
	return nil
}

func cmdAccessCount(args []string) error {
	if err := needArgs(args, 1, "access-count <exam_id>"); err != nil {
		return err
	}
	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.AccessCount(caller, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s accessed %d time(s)\n", args[0], n)
	return nil
}

func cmdMetadata(args []string) error {
	if err := needArgs(args, 1, "metadata <exam_id>"); err != nil {
		return err
	}
	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, dec, err := rt.DecryptMetadata(caller, args[0])
	if err != nil {
		return err
	}
	return printJSON(struct {
		ExamID        string            `json:"exam_id"`
		UploadTime    string            `json:"upload_time"`
		ScheduledTime string            `json:"scheduled_time"`
		KeyReleased   bool              `json:"key_released"`
		PlainHashes   map[string]string `json:"plain_hashes"`
		Decrypted     any               `json:"decrypted"`
	}{rec.ExamID, rec.UploadTime, rec.ScheduledTime, rec.KeyReleased, rec.PlainHashes, dec})
}

func cmdPackage(args []string) error {
	if err := needArgs(args, 1, "package <exam_id> [output.zip]"); err != nil {
		return err
	}
	out := ""
	if len(args) > 1 {
		out = args[1]
	}
	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	path, err := rt.ExportPackage(caller, args[0], out)
	if err != nil {
		return err
	}
	fmt.Printf("Package written to %s\n", path)
	return nil
}

func cmdSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	release := fs.Bool("release", false, "release every due key")
	fs.Parse(args)

	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	if *release && caller.Role != sealing.RoleAdmin {
		return fmt.Errorf("sweep -release requires the admin role")
	}

	report, err := rt.SweepDue(context.Background(), *release, caller.User)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(report)
	}
	fmt.Printf("Due: %s\n", joinOrNone(report.Due))
	if *release {
		fmt.Printf("Released: %s\n", joinOrNone(report.Released))
		fmt.Printf("Failed: %s\n", joinOrNone(report.Failed))
	}
	return nil
}

func cmdCatalog(args []string) error {
	if err := needArgs(args, 1, "catalog status|rollback"); err != nil {
		return err
	}
	rt, caller, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	if caller.Role != sealing.RoleAdmin {
		return fmt.Errorf("%w: catalog maintenance requires the admin role", sealerr.ErrPermissionDenied)
	}
	if rt.Catalog == nil {
		return fmt.Errorf("no catalog configured")
	}

	switch args[0] {
	case "status":
	case "rollback":
		if err := store.RollbackMigration(rt.Catalog.DB()); err != nil {
			return err
		}
		fmt.Println("Rolled back the newest catalog migration. It is re-applied the next time the catalog is opened.")
	default:
		return fmt.Errorf("usage: examsealctl catalog status|rollback")
	}

	st, err := store.GetMigrationStatus(rt.Catalog.DB())
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(st)
	}
	fmt.Printf("Schema version: %d of %d\n", st.CurrentVersion, st.LatestVersion)
	for _, m := range st.Applied {
		fmt.Printf("  %3d  %-32s %s\n", m.Version, m.Description, m.AppliedAt)
	}
	for _, m := range st.Pending {
		fmt.Printf("  %3d  %-32s pending\n", m.Version, m.Description)
	}
	return nil
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}
