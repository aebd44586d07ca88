package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examseal/internal/asset"
	"examseal/internal/auditlog"
	"examseal/internal/integrity"
	"examseal/internal/logging"
)

func writeLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs.json")
	l, err := auditlog.Open(auditlog.Options{Path: path, Logger: logging.Discard()})
	require.NoError(t, err)
	_, err = l.Append(auditlog.EventUpload, "prof", "CS101", "Exam paper CS101 uploaded and scrambled")
	require.NoError(t, err)
	return path
}

func TestVerifyLog(t *testing.T) {
	path := writeLog(t)

	res := verifyLog(path, true)
	assert.True(t, res.ChainValid)
	require.NotNil(t, res.Stats)
	assert.Equal(t, 2, res.Stats.TotalEntries)

	entries, err := auditlog.ReadFile(path)
	require.NoError(t, err)
	entries[1].Details = "Exam paper CS102 uploaded and scrambled"
	data, err := auditlog.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	res = verifyLog(path, false)
	assert.False(t, res.ChainValid)
	assert.NotEmpty(t, res.Error)
	assert.Nil(t, res.Stats)
}

func TestVerifyLogMissing(t *testing.T) {
	res := verifyLog(filepath.Join(t.TempDir(), "absent.json"), false)
	assert.False(t, res.ChainValid)
	assert.NotEmpty(t, res.Error)
}

func TestVerifyExam(t *testing.T) {
	root := t.TempDir()
	layout := asset.Layout{Root: root}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "CS101"), 0o700))

	m := integrity.NewManifest()
	for n, body := range []string{"page one", "page two"} {
		require.NoError(t, os.WriteFile(layout.ScrambledPath("CS101", n+1), []byte(body), 0o600))
		m.Set(n+1, integrity.HashString(body))
	}
	require.NoError(t, integrity.WriteManifest(layout.IntegrityPath("CS101"), m))

	res := verifyExam(filepath.Join(root, "CS101"))
	require.Empty(t, res.Error)
	assert.True(t, res.Report.Valid)
	assert.Equal(t, 2, res.Report.Total)

	require.NoError(t, os.WriteFile(layout.ScrambledPath("CS101", 2), []byte("page 2"), 0o600))
	res = verifyExam(filepath.Join(root, "CS101") + "/")
	assert.False(t, res.Report.Valid)
	assert.False(t, res.Report.Pages[1].Valid)

	var buf bytes.Buffer
	r := &Result{Valid: true, Exam: res}
	r.fail("exam: " + res.Report.Err().Error())
	require.NoError(t, writeText(&buf, r))
	assert.Contains(t, buf.String(), "page_2: FAILED")
	assert.Contains(t, buf.String(), "Result: FAILED")
}

func TestVerifyExamWithoutManifest(t *testing.T) {
	res := verifyExam(t.TempDir())
	assert.NotEmpty(t, res.Error)
	assert.Nil(t, res.Report)
}
