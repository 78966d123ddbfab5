// Package main implements minectl, the operator CLI for minerd.
// It sends start/stop requests to the daemon's control socket, tails the
// run status stream from Kafka, reports on stored runs and constructs and
// verifies mined records.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gocm/internal/config"
	"github.com/bardlex/gocm/internal/control"
	"github.com/bardlex/gocm/internal/database"
	"github.com/bardlex/gocm/internal/messaging"
	"github.com/bardlex/gocm/internal/miner"
	"github.com/bardlex/gocm/internal/record"
	"github.com/bardlex/gocm/internal/work"
	"github.com/bardlex/gocm/pkg/log"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "minectl: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "minectl"
	app.Usage = "control a minerd daemon"
	app.Version = version

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "control, c",
			Value:  "tcp://127.0.0.1:5557",
			Usage:  "minerd control `ENDPOINT`",
			EnvVar: "CONTROL_ADDR",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "start",
			Usage: "start a mining run",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "pubkey, p",
					Usage: "author `KEY` as hex or npub [daemon default]",
				},
				cli.StringFlag{
					Name:  "target, t",
					Usage: "target `HEX` [daemon default]",
				},
				cli.IntFlag{
					Name:  "work, w",
					Usage: "required leading zero `BITS` [derived from target]",
				},
				cli.Int64Flag{
					Name:  "created-at",
					Usage: "record timestamp in unix `SECONDS` [now]",
				},
			},
			Action: runStart,
		},
		{
			Name:   "stop",
			Usage:  "stop the current run",
			Action: runStop,
		},
		{
			Name:  "watch",
			Usage: "print the status stream",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:   "brokers, b",
					Value:  "localhost:9092",
					Usage:  "comma separated Kafka `BROKERS`",
					EnvVar: "KAFKA_BROKERS",
				},
				cli.StringFlag{
					Name:  "group, g",
					Usage: "consumer `GROUP` [unique per watcher]",
				},
				cli.StringFlag{
					Name:  "run, r",
					Usage: "only show `RUN_ID`",
				},
				cli.BoolFlag{
					Name:  "quiet, q",
					Usage: "hide heartbeats",
				},
			},
			Action: runWatch,
		},
		{
			Name:  "stats",
			Usage: "report on stored runs and constructs",
			Description: "Connects to the storage configured through POSTGRES_URL, REDIS_URL and\n" +
				"   the INFLUX_* variables. Without flags it reports on the current run.",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "run, r",
					Usage: "report on `RUN_ID`",
				},
				cli.StringFlag{
					Name:  "pubkey, p",
					Usage: "report on constructs mined for `KEY`",
				},
				cli.IntFlag{
					Name:  "recent",
					Value: 10,
					Usage: "list `N` recent constructs with --pubkey",
				},
				cli.StringFlag{
					Name:  "construct",
					Usage: "show the construct with `ID`",
				},
				cli.Int64Flag{
					Name:  "top",
					Usage: "list the `N` runs with the highest work",
				},
				cli.BoolFlag{
					Name:  "check",
					Usage: "only check that every store is reachable",
				},
			},
			Action: runStats,
		},
		{
			Name:      "verify",
			Usage:     "check the proof of work of a mined record",
			ArgsUsage: "[FILE]",
			Description: "Reads a record, or a construct as published on " + messaging.TopicConstructs + ",\n" +
				"   from FILE or standard input and recomputes its digest.",
			Action: runVerify,
		},
	}
	return app
}

func runStart(c *cli.Context) error {
	req := control.StartRequest{
		Pubkey:     c.String("pubkey"),
		TargetHex:  c.String("target"),
		TargetWork: c.Int("work"),
		CreatedAt:  c.Int64("created-at"),
	}

	sender, err := control.NewSender(c.GlobalString("control"))
	if err != nil {
		return err
	}
	defer func() {
		_ = sender.Close()
	}()

	if err := sender.StartRun(req); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "start requested")
	return nil
}

func runStop(c *cli.Context) error {
	sender, err := control.NewSender(c.GlobalString("control"))
	if err != nil {
		return err
	}
	defer func() {
		_ = sender.Close()
	}()

	if err := sender.StopRun(); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "stop requested")
	return nil
}

func runWatch(c *cli.Context) error {
	logger := log.New("minectl", version, "warn", "text")

	var brokers []string
	for _, b := range strings.Split(c.String("brokers"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return fmt.Errorf("no Kafka brokers given")
	}

	group := c.String("group")
	if group == "" {
		group = "minectl-" + uuid.NewString()
	}

	client := messaging.NewKafkaClient(brokers, logger)
	defer func() {
		_ = client.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	printer := &statusPrinter{w: c.App.Writer, runID: c.String("run"), quiet: c.Bool("quiet")}
	err := client.StartConsumer(ctx, messaging.TopicStatus, group,
		func() proto.Message { return &structpb.Struct{} }, printer)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func runStats(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := log.New("minectl", version, "warn", "text")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	storage, err := database.NewManager(ctx, cfg.Storage(), logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.Close()
	}()

	if c.Bool("check") {
		if err := storage.Health(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, "storage healthy")
		return nil
	}

	var report any
	switch {
	case c.String("construct") != "":
		report, err = storage.GetConstruct(ctx, c.String("construct"))
	case c.String("pubkey") != "":
		pubkey, perr := record.ParsePubkey(c.String("pubkey"))
		if perr != nil {
			return perr
		}
		report, err = storage.GetPubkeyReport(ctx, pubkey, c.Int("recent"))
	case c.Int64("top") > 0:
		report, err = storage.TopRuns(ctx, c.Int64("top"))
	default:
		report, err = storage.GetRunReport(ctx, c.String("run"))
	}
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, report)
}

// verifyReport is the output of the verify command
type verifyReport struct {
	*work.Verification
	Pubkey string `json:"pubkey"`
	Npub   string `json:"npub,omitempty"`
}

func runVerify(c *cli.Context) error {
	in := io.Reader(os.Stdin)
	if path := c.Args().First(); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		in = f
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	report, err := verifyRecord(data)
	if err != nil {
		return err
	}
	if err := writeJSON(c.App.Writer, report); err != nil {
		return err
	}
	if !report.Valid {
		return cli.NewExitError("work below target", 2)
	}
	return nil
}

// verifyRecord accepts either a bare record or a construct message wrapping one.
func verifyRecord(data []byte) (*verifyReport, error) {
	var envelope struct {
		Record *record.Record `json:"record"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid record JSON: %w", err)
	}
	r := envelope.Record
	if r == nil {
		r = &record.Record{}
		if err := json.Unmarshal(data, r); err != nil {
			return nil, fmt.Errorf("invalid record JSON: %w", err)
		}
	}

	v, err := work.Verify(*r)
	if err != nil {
		return nil, err
	}

	report := &verifyReport{Verification: v, Pubkey: r.Pubkey}
	if npub, err := record.EncodeNpub(r.Pubkey); err == nil {
		report.Npub = npub
	}
	return report, nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// statusPrinter writes one line per status event
type statusPrinter struct {
	w     io.Writer
	runID string
	quiet bool
}

// HandleMessage implements messaging.MessageHandler
func (p *statusPrinter) HandleMessage(_ context.Context, _ string, msg proto.Message) error {
	s, ok := msg.(*structpb.Struct)
	if !ok {
		return fmt.Errorf("unexpected status payload %T", msg)
	}
	e, err := messaging.ProtoToStatus(s)
	if err != nil {
		return err
	}
	if p.runID != "" && e.RunID != p.runID {
		return nil
	}
	if p.quiet && e.Kind == miner.StatusHeartbeat {
		return nil
	}
	_, err = fmt.Fprintln(p.w, formatEvent(e))
	return err
}

func formatEvent(e miner.Event) string {
	prefix := fmt.Sprintf("%s %s %-9s worker=%d", e.Time.Format("15:04:05"), shortID(e.RunID), e.Kind, e.WorkerIndex)

	switch e.Kind {
	case miner.StatusHeartbeat:
		return fmt.Sprintf("%s iterations=%d hashrate=%.0fH/s best=%d", prefix, e.Iterations, e.Hashrate, e.BestWork)
	case miner.StatusNewHigh:
		return fmt.Sprintf("%s nonce=%s work=%d", prefix, e.NonceHex, e.Work)
	case miner.StatusComplete:
		return fmt.Sprintf("%s nonce=%s work=%d digest=%x", prefix, e.NonceHex, e.Work, e.Digest)
	case miner.StatusError:
		return fmt.Sprintf("%s error=%q", prefix, e.Message)
	default:
		return fmt.Sprintf("%s iterations=%d", prefix, e.Iterations)
	}
}

func shortID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}
