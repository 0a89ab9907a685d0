package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/odeon"
	"github.com/i2y/odeon/correlation"
	"github.com/i2y/odeon/internal/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "odeon.db")
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "odeon", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"}, {"migrate"}, {"jobs", "list"}, {"jobs", "cancel"},
		{"key", "encode"}, {"key", "decode"}, {"key", "selector"},
	}

	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "key", "encode", "a=1")
	assert.ErrorContains(t, err, "invalid format")
}

func TestKeyEncodeDecode(t *testing.T) {
	out, err := execute(t, "key", "encode", "orderId=42", "customer=acme,eu")
	require.NoError(t, err)
	encoded := out[:len(out)-1]

	want := correlation.NewKeySet(
		correlation.NewKey("orderId", "42"),
		correlation.NewKey("customer", "acme", "eu"),
	)
	assert.Equal(t, want.Canonical(), encoded)

	out, err = execute(t, "--format", "json", "key", "decode", encoded)
	require.NoError(t, err)
	var decoded DecodedKeySet
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.False(t, decoded.Legacy)
	assert.Equal(t, encoded, decoded.Canonical)
	assert.ElementsMatch(t, []KeyView{
		{Set: "orderId", Values: []string{"42"}},
		{Set: "customer", Values: []string{"acme", "eu"}},
	}, decoded.Keys)
}

func TestKeyLegacyForm(t *testing.T) {
	out, err := execute(t, "key", "encode", "--legacy", "orderId=42")
	require.NoError(t, err)
	assert.Equal(t, "orderId~42\n", out)

	_, err = execute(t, "key", "encode", "--legacy", "a=1", "b=2")
	assert.Error(t, err)

	out, err = execute(t, "key", "decode", "orderId~42")
	require.NoError(t, err)
	assert.Contains(t, out, "legacy key")
	assert.Contains(t, out, "orderId = 42")
}

func TestKeyEncodeRejectsMalformedArgs(t *testing.T) {
	_, err := execute(t, "key", "encode", "novalue")
	assert.ErrorContains(t, err, "set=value")

	_, err = execute(t, "key", "encode", "order~id=42")
	assert.ErrorIs(t, err, correlation.ErrInvalidSetName)
}

func TestKeySelector(t *testing.T) {
	blob := correlation.EncodeSelector(correlation.Selector{
		CorrelatorID: "shipper.confirm",
		Index:        3,
		KeySet:       correlation.NewKeySet(correlation.NewKey("orderId", "42")),
		Policy:       correlation.PolicyAll,
	})

	out, err := execute(t, "--format", "json", "key", "selector", base64.StdEncoding.EncodeToString(blob))
	require.NoError(t, err)
	var sel DecodedSelector
	require.NoError(t, json.Unmarshal([]byte(out), &sel))
	assert.Equal(t, "shipper.confirm", sel.CorrelatorID)
	assert.Equal(t, 3, sel.Index)
	assert.Equal(t, "all", sel.Policy)
	assert.Equal(t, []KeyView{{Set: "orderId", Values: []string{"42"}}}, sel.Keys)

	k := correlation.NewKey("orderId", "7")
	v1 := correlation.EncodeSelectorV1("customer.order", 0, &k, true)
	out, err = execute(t, "key", "selector", base64.StdEncoding.EncodeToString(v1))
	require.NoError(t, err)
	assert.Contains(t, out, "policy one, one-way true")

	_, err = execute(t, "key", "selector", "!!!")
	assert.Error(t, err)
}

func TestMigrateAndJobs(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "--db", db, "--format", "json", "migrate")
	require.NoError(t, err)
	var res MigrateResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotEmpty(t, res.Applied)

	out, err = execute(t, "--db", db, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "up to date")

	s, err := odeon.OpenStorage(db)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.InsertJob(ctx, &storage.Job{
		JobID:       "job-1",
		NodeID:      "node-1",
		ScheduledAt: time.Now().Add(time.Hour),
		Details:     []byte(`{"type":"timer","instanceId":"inst-1"}`),
	}))
	require.NoError(t, s.InsertJob(ctx, &storage.Job{
		JobID:       "job-2",
		ScheduledAt: time.Now().Add(48 * time.Hour),
		Details:     []byte(`{"type":"resume"}`),
	}))
	require.NoError(t, s.Close())

	out, err = execute(t, "--db", db, "--format", "json", "jobs", "list")
	require.NoError(t, err)
	var jobs []JobView
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-1", jobs[0].JobID)
	assert.JSONEq(t, `{"type":"timer","instanceId":"inst-1"}`, string(jobs[0].Details))

	out, err = execute(t, "--db", db, "jobs", "list", "--unassigned")
	require.NoError(t, err)
	assert.Contains(t, out, "job-2")
	assert.NotContains(t, out, "job-1")

	out, err = execute(t, "--db", db, "jobs", "cancel", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "canceled job-1\n", out)

	out, err = execute(t, "--db", db, "--format", "json", "jobs", "cancel", "job-1")
	require.NoError(t, err)
	var cancel CancelResult
	require.NoError(t, json.Unmarshal([]byte(out), &cancel))
	assert.False(t, cancel.Canceled)
}

func TestServeRequiresWebhook(t *testing.T) {
	_, err := execute(t, "--db", tempDB(t), "serve")
	assert.ErrorContains(t, err, "webhook.url")
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := newLogger(odeon.LogFileConfig{Level: "warn", Format: "json"}, buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "job_id", "j1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"job_id":"j1"`)

	_, err = newLogger(odeon.LogFileConfig{Level: "loud"}, buf)
	assert.Error(t, err)
}
