package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/natefinch/lumberjack.v2"
)

func Test_makeNotifier(t *testing.T) {
	opts.Notify.EnabledError, opts.Notify.EnabledCompletion = false, false
	opts.Notify.ToEmails = []string{"test@example.com"}
	assert.Nil(t, makeNotifier(), "nothing enabled, no notifier")

	opts.Notify.EnabledError = true
	notif := makeNotifier()
	require.NotNil(t, notif)
	assert.True(t, notif.IsOnError())
	assert.False(t, notif.IsOnCompletion())
}

func Test_makeAuthHash(t *testing.T) {
	opts.Web.AdminPasswd = ""
	assert.Empty(t, makeAuthHash(), "no password, auth disabled")

	opts.Web.AdminPasswd = "secret"
	hash := makeAuthHash()
	require.NotEmpty(t, hash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")))
	assert.Error(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("wrong")))
}

func Test_makeAdmission(t *testing.T) {
	opts.Limits.MemoryBelow, opts.Limits.LoadBelow = 0, 0
	opts.Limits.DiskFreeAbove, opts.Limits.RSSBelowMB = 0, 0
	assert.Nil(t, makeAdmission(), "all thresholds disabled")

	opts.Limits.MemoryBelow = 90
	opts.Limits.RSSBelowMB = 1024
	checker := makeAdmission()
	require.NotNil(t, checker)
	require.NotNil(t, checker.MemoryBelow)
	assert.Equal(t, 90, *checker.MemoryBelow)
	require.NotNil(t, checker.RSSBelowMB)
	assert.Equal(t, 1024, *checker.RSSBelowMB)
	assert.Nil(t, checker.LoadAvgBelow)
}

func Test_setupLogsToStdout(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	tmpfile, err := os.CreateTemp(t.TempDir(), "")
	require.NoError(t, err)

	opts.Log.Enabled = true
	opts.Log.Filename = tmpfile.Name()
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false

	out := setupLogs()
	require.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile.Name(), logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)

	opts.Log.Enabled = false
	setupLogs() // restore stdout logging for other tests
}
