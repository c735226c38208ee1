package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"

	"droneops-gcs/internal/telemetry"
)

const defaultGreptimePort = 4001

type greptimeClient interface {
	Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error)
}

// GreptimeWriter writes status rows to GreptimeDB through the gRPC ingester.
type GreptimeWriter struct {
	client greptimeClient
	table  string
	log    *slog.Logger
}

// NewGreptimeWriter connects to endpoint ("host" or "host:port").
func NewGreptimeWriter(endpoint, database, tableName string, log *slog.Logger) (*GreptimeWriter, error) {
	host, port := endpoint, defaultGreptimePort
	if h, p, err := net.SplitHostPort(endpoint); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("greptime port %q: %w", p, err)
		}
		host, port = h, n
	}
	if database == "" {
		database = "public"
	}
	if tableName == "" {
		tableName = telemetry.StatusTableName
	}
	cfg := greptime.NewConfig(host).WithPort(port).WithDatabase(database)
	client, err := greptime.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("greptime client: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &GreptimeWriter{client: client, table: tableName, log: log.With("component", "greptime")}, nil
}

func (w *GreptimeWriter) statusTable() (*table.Table, error) {
	tbl, err := table.New(w.table)
	if err != nil {
		return nil, err
	}
	tbl.AddTagColumn("drone_id", types.STRING)
	tbl.AddFieldColumn("connected", types.BOOLEAN)
	tbl.AddFieldColumn("battery", types.FLOAT64)
	tbl.AddFieldColumn("ready", types.BOOLEAN)
	tbl.AddFieldColumn("armed", types.BOOLEAN)
	tbl.AddFieldColumn("status", types.STRING)
	tbl.AddFieldColumn("lat", types.FLOAT64)
	tbl.AddFieldColumn("lon", types.FLOAT64)
	tbl.AddFieldColumn("heading_deg", types.FLOAT64)
	tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND)
	return tbl, nil
}

func optional(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// WriteStatus inserts one row per drone. An empty frame writes nothing.
func (w *GreptimeWriter) WriteStatus(drones []telemetry.DroneStatus, ts time.Time) error {
	if len(drones) == 0 {
		return nil
	}
	tbl, err := w.statusTable()
	if err != nil {
		return err
	}
	for _, d := range drones {
		err := tbl.AddRow(d.ID, d.Connected, d.Battery, d.Ready, d.Armed, string(d.Status),
			optional(d.Latitude), optional(d.Longitude), optional(d.HeadingDeg), ts)
		if err != nil {
			return fmt.Errorf("status row %s: %w", d.ID, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.client.Write(ctx, tbl); err != nil {
		w.log.Error("write failed", "table", w.table, "err", err)
		return err
	}
	w.log.Debug("wrote rows", "table", w.table, "rows", len(drones))
	return nil
}
