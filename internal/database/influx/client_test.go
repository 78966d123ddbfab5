package influx

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

type fakeWriter struct {
	points  []*write.Point
	flushes int
}

func (f *fakeWriter) WritePoint(p *write.Point) { f.points = append(f.points, p) }
func (f *fakeWriter) Flush()                    { f.flushes++ }

func TestWriteMetrics(t *testing.T) {
	w := &fakeWriter{}
	c := &Client{writeAPI: w, bucket: "mining", org: "gocm"}
	at := time.Unix(1700000000, 0)

	c.WriteHashrateMetric("run-1", "pk", 1250.5, at)
	c.WriteHeartbeatMetric("run-1", 3, 100000, 2*time.Second, at)
	c.WriteNewHighMetric("run-1", 3, 17, at)
	c.WriteRunEventMetric("run-1", 3, "stopped", at)
	c.WriteConstructMetric("abcd", "pk", 21, 20, 3, at)

	want := []string{"hashrate", "heartbeats", "newhigh", "worker_events", "constructs"}
	if len(w.points) != len(want) {
		t.Fatalf("wrote %d points, want %d", len(w.points), len(want))
	}
	for i, name := range want {
		if got := w.points[i].Name(); got != name {
			t.Errorf("point %d measurement = %q, want %q", i, got, name)
		}
		if !w.points[i].Time().Equal(at) {
			t.Errorf("point %d time = %v", i, w.points[i].Time())
		}
	}

	c.Close()
	if w.flushes != 1 {
		t.Errorf("Close() flushed %d times, want 1", w.flushes)
	}
}

func TestPointLineProtocol(t *testing.T) {
	at := time.Unix(1700000000, 0)

	tests := []struct {
		name  string
		point *write.Point
		want  []string
	}{
		{
			name:  "hashrate",
			point: hashratePoint("run-1", "pk", 1250.5, at),
			want:  []string{"hashrate,", "pubkey=pk", "run_id=run-1", "hashrate=1250.5"},
		},
		{
			name:  "construct",
			point: constructPoint("abcd", "pk", 21, 20, 3, at),
			want:  []string{"constructs,", "worker=3", `id="abcd"`, "work=21i", "target_work=20i"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := write.PointToLineProtocol(tt.point, time.Second)
			for _, part := range tt.want {
				if !strings.Contains(line, part) {
					t.Errorf("line %q missing %q", line, part)
				}
			}
		})
	}
}
