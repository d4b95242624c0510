package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	got []Orphan
	err error
}

func (r *recordingReporter) ReportOrphan(_ context.Context, o Orphan) error {
	r.got = append(r.got, o)
	return r.err
}

func sampleOrphan() Orphan {
	return Orphan{
		Bucket:    "b",
		Key:       "k",
		ReceiptID: "r-1",
		ETag:      `"e"`,
		Size:      3,
		Cause:     "disk I/O error",
		At:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	require.NoError(t, LogReporter{Logger: logger}.ReportOrphan(context.Background(), sampleOrphan()))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "ERROR", entry["level"])
	require.Equal(t, true, entry["orphan"])
	require.Equal(t, "r-1", entry["receipt"])
	require.Equal(t, "b", entry["bucket"])
}

func TestMultiReachesEveryReporter(t *testing.T) {
	failing := &recordingReporter{err: errors.New("broker down")}
	ok := &recordingReporter{}

	err := Multi{failing, ok}.ReportOrphan(context.Background(), sampleOrphan())
	require.Error(t, err)
	require.Len(t, failing.got, 1)
	require.Len(t, ok.got, 1, "a failing reporter must not starve the next one")

	require.NoError(t, Multi{ok}.ReportOrphan(context.Background(), sampleOrphan()))
}

func TestAMQPReporterPublishes(t *testing.T) {
	url := os.Getenv("LEDGERBUCKET_TEST_AMQP")
	if url == "" {
		t.Skip("LEDGERBUCKET_TEST_AMQP not set")
	}

	exchange := "ledgerbucket.audit.test"
	reporter, err := NewAMQPReporter(url, exchange)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reporter.Close() })

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, OrphanRoutingPrefix+"#", exchange, false, nil))
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	require.NoError(t, reporter.ReportOrphan(context.Background(), sampleOrphan()))

	select {
	case msg := <-msgs:
		require.Equal(t, "orphan.b", msg.RoutingKey)
		var got Orphan
		require.NoError(t, json.Unmarshal(msg.Body, &got))
		require.Equal(t, "r-1", got.ReceiptID)
	case <-time.After(5 * time.Second):
		t.Fatal("orphan report was not delivered")
	}
}
