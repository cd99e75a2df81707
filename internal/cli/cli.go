// Package cli implements dicomctl, a command line front end for the
// connector.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/otcheredev/dicom-transfer-connector/internal/config"
	"github.com/otcheredev/dicom-transfer-connector/internal/connector"
	"github.com/otcheredev/dicom-transfer-connector/internal/receiver"
	"github.com/otcheredev/dicom-transfer-connector/pkg/logger"
)

var version = "1.0.0" //nolint:gochecknoglobals

// Exit codes from sysexits.h, so schedulers can tell retriable failures apart.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitUsage       = 64
	ExitUnavailable = 69
	ExitTempFail    = 75
)

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	var usage *usageError
	switch connector.Kind(err) {
	case "success":
		return ExitOK
	case "configuration":
		return ExitUsage
	case "transport":
		return ExitUnavailable
	case "retriable", "retriable_extended":
		return ExitTempFail
	}
	if errors.As(err, &usage) {
		return ExitUsage
	}
	return ExitError
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// options are the flags shared by every command.
type options struct {
	host         string
	port         int
	calledAE     string
	callingAE    string
	receiverAE   string
	capabilities []string
	retries      int
	retryTimeout time.Duration
	idleTimeout  time.Duration
	exclude      []string
	redis        string
	redisDB      int
	logLevel     string
	logFormat    string

	query  []string
	limit  int
	folder string
	dest   string
	mods   []string
}

type command struct {
	name    string
	summary string
	flags   func(fs *flag.FlagSet, o *options)
	run     func(ctx context.Context, c *connector.Connector, o *options, out io.Writer) error
}

var commands = []command{ //nolint:gochecknoglobals
	{
		name:    "echo",
		summary: "Verify the server with C-ECHO",
		run: func(ctx context.Context, c *connector.Connector, _ *options, out io.Writer) error {
			if err := c.Echo(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintln(out, "OK")
			return err
		},
	},
	findCommand("find-patients", "Find patients", (*connector.Connector).FindPatients),
	findCommand("find-studies", "Find studies", (*connector.Connector).FindStudies),
	findCommand("find-series", "Find series of a study", (*connector.Connector).FindSeries),
	findCommand("find-images", "Find images of a series", (*connector.Connector).FindImages),
	{
		name:    "download-series",
		summary: "Retrieve one series into --out",
		flags:   func(fs *flag.FlagSet, o *options) { queryFlags(fs, o); outFlag(fs, o) },
		run: func(ctx context.Context, c *connector.Connector, o *options, _ io.Writer) error {
			q, err := o.parsedQuery()
			if err != nil {
				return err
			}
			return c.DownloadSeries(ctx, q, o.folder, nil)
		},
	},
	{
		name:    "download-study",
		summary: "Retrieve a study into one folder per series below --out",
		flags: func(fs *flag.FlagSet, o *options) {
			queryFlags(fs, o)
			outFlag(fs, o)
			fs.StringSliceVarP(&o.mods, "modality", "m", nil, "Only series of these modalities")
		},
		run: func(ctx context.Context, c *connector.Connector, o *options, _ io.Writer) error {
			q, err := o.parsedQuery()
			if err != nil {
				return err
			}
			return c.DownloadStudy(ctx, q, o.folder, o.mods, nil)
		},
	},
	{
		name:    "move-study",
		summary: "Ask the server to send a study to --dest",
		flags: func(fs *flag.FlagSet, o *options) {
			queryFlags(fs, o)
			fs.StringVar(&o.dest, "dest", "", "Destination AE title")
			fs.StringSliceVarP(&o.mods, "modality", "m", nil, "Only series of these modalities")
		},
		run: func(ctx context.Context, c *connector.Connector, o *options, _ io.Writer) error {
			if o.dest == "" {
				return usagef("--dest is required")
			}
			q, err := o.parsedQuery()
			if err != nil {
				return err
			}
			return c.MoveStudy(ctx, q, o.dest, o.mods)
		},
	},
	{
		name:    "upload",
		summary: "Send every DICOM file below --folder with C-STORE",
		flags: func(fs *flag.FlagSet, o *options) {
			fs.StringVar(&o.folder, "folder", "", "Folder to upload")
		},
		run: func(ctx context.Context, c *connector.Connector, o *options, _ io.Writer) error {
			if o.folder == "" {
				return usagef("--folder is required")
			}
			return c.UploadFolder(ctx, o.folder, nil)
		},
	},
}

type findFunc func(c *connector.Connector, ctx context.Context, q *connector.Query, limit int) ([]connector.Attributes, error)

func findCommand(name, summary string, find findFunc) command {
	return command{
		name:    name,
		summary: summary,
		flags: func(fs *flag.FlagSet, o *options) {
			queryFlags(fs, o)
			fs.IntVar(&o.limit, "limit", 0, "Stop after this many server matches (0 = unlimited)")
		},
		run: func(ctx context.Context, c *connector.Connector, o *options, out io.Writer) error {
			if o.limit < 0 {
				return usagef("--limit must not be negative")
			}
			q, err := o.parsedQuery()
			if err != nil {
				return err
			}
			results, err := find(c, ctx, q, o.limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			for _, r := range results {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func queryFlags(fs *flag.FlagSet, o *options) {
	fs.StringArrayVarP(&o.query, "query", "q", nil, `Query attribute as Keyword=value; "*" matches any value, an empty value requests the attribute`)
}

func outFlag(fs *flag.FlagSet, o *options) {
	fs.StringVarP(&o.folder, "out", "o", "", "Destination folder")
}

// Execute parses args and runs one dicomctl command, writing results to out.
func Execute(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(out)
		return nil
	}
	if args[0] == "--version" || args[0] == "version" {
		_, err := fmt.Fprintf(out, "dicomctl %s\n", version)
		return err
	}

	cmd, ok := lookup(args[0])
	if !ok {
		return usagef("unknown command %q (use --help for usage)", args[0])
	}

	env, err := config.Load()
	if err != nil {
		return err
	}
	o := defaults(env)
	fs := flag.NewFlagSet("dicomctl "+cmd.name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	commonFlags(fs, o)
	if cmd.flags != nil {
		cmd.flags(fs, o)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return usagef("%s: %v", cmd.name, err)
	}
	if fs.NArg() > 0 {
		return usagef("%s: unexpected arguments %v", cmd.name, fs.Args())
	}

	logger.InitTo(os.Stderr, o.logLevel, o.logFormat)

	server, err := o.server()
	if err != nil {
		return err
	}
	cfg := env.Connector()
	cfg.CallingAETitle = o.callingAE
	cfg.ReceiverAETitle = o.receiverAE
	cfg.ConnectionRetries = o.retries
	cfg.RetryTimeout = o.retryTimeout
	cfg.MoveIdleTimeout = o.idleTimeout
	cfg.ExcludedModalities = o.exclude

	var connOpts []connector.Option
	if o.redis != "" {
		broker, err := receiver.NewRedisBroker(o.redis, env.Redis.Password, o.redisDB)
		if err != nil {
			return err
		}
		defer broker.Close()
		connOpts = append(connOpts, connector.WithReceiver(receiver.NewBridge(broker)))
	}

	return cmd.run(ctx, connector.New(server, cfg, connOpts...), o, out)
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func defaults(env *config.Config) *options {
	o := &options{
		port:         104,
		callingAE:    env.DICOM.CallingAETitle,
		receiverAE:   env.DICOM.ReceiverAETitle,
		capabilities: []string{"study-find", "study-move"},
		retries:      env.DICOM.ConnectionRetries,
		retryTimeout: env.DICOM.RetryTimeout,
		idleTimeout:  env.DICOM.MoveIdleTimeout,
		exclude:      env.DICOM.ExcludedModalities,
		redisDB:      env.Redis.DB,
		logLevel:     env.Log.Level,
		logFormat:    "auto",
	}
	if env.Redis.Enabled {
		o.redis = env.Redis.Addr()
	}
	return o
}

func commonFlags(fs *flag.FlagSet, o *options) {
	fs.StringVarP(&o.host, "host", "H", o.host, "Server host")
	fs.IntVarP(&o.port, "port", "p", o.port, "Server port")
	fs.StringVarP(&o.calledAE, "aet", "a", o.calledAE, "Server AE title")
	fs.StringVar(&o.callingAE, "calling-aet", o.callingAE, "Our AE title")
	fs.StringVar(&o.receiverAE, "receiver-aet", o.receiverAE, "C-MOVE destination used for downloads")
	fs.StringSliceVarP(&o.capabilities, "capabilities", "c", o.capabilities,
		"Models the server supports: "+strings.Join(capabilityNames(), ", "))
	fs.IntVar(&o.retries, "retries", o.retries, "Connection retries")
	fs.DurationVar(&o.retryTimeout, "retry-timeout", o.retryTimeout, "Pause between connection attempts")
	fs.DurationVar(&o.idleTimeout, "idle-timeout", o.idleTimeout, "Give up a C-MOVE download after this long without a file")
	fs.StringSliceVar(&o.exclude, "exclude-modality", o.exclude, "Modalities skipped by study transfers")
	fs.StringVar(&o.redis, "redis", o.redis, "Redis address of the receiver service, for C-MOVE downloads")
	fs.IntVar(&o.redisDB, "redis-db", o.redisDB, "Redis database")
	fs.StringVar(&o.logLevel, "log-level", o.logLevel, "Log level")
	fs.StringVar(&o.logFormat, "log-format", o.logFormat, "Log format: auto, console or json")
}

var capabilityFields = map[string]func(*connector.Server){ //nolint:gochecknoglobals
	"patient-find": func(s *connector.Server) { s.PatientRootFindSupport = true },
	"patient-get":  func(s *connector.Server) { s.PatientRootGetSupport = true },
	"patient-move": func(s *connector.Server) { s.PatientRootMoveSupport = true },
	"study-find":   func(s *connector.Server) { s.StudyRootFindSupport = true },
	"study-get":    func(s *connector.Server) { s.StudyRootGetSupport = true },
	"study-move":   func(s *connector.Server) { s.StudyRootMoveSupport = true },
	"store":        func(s *connector.Server) { s.StoreSupport = true },
}

func capabilityNames() []string {
	names := make([]string, 0, len(capabilityFields))
	for name := range capabilityFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *options) server() (connector.Server, error) {
	if o.host == "" {
		return connector.Server{}, usagef("--host is required")
	}
	if o.calledAE == "" {
		return connector.Server{}, usagef("--aet is required")
	}
	if o.port <= 0 || o.port > 65535 {
		return connector.Server{}, usagef("invalid --port %d", o.port)
	}
	s := connector.Server{AETitle: o.calledAE, Host: o.host, Port: o.port}
	for _, name := range o.capabilities {
		set, ok := capabilityFields[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return connector.Server{}, usagef("unknown capability %q", name)
		}
		set(&s)
	}
	return s, nil
}

// parsedQuery turns Keyword=value flags into a query. Backslashes separate
// multiple values.
func (o *options) parsedQuery() (*connector.Query, error) {
	input := make(map[string]any, len(o.query))
	for _, kv := range o.query {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, usagef("invalid --query %q, want Keyword=value", kv)
		}
		if _, dup := input[k]; dup {
			return nil, usagef("--query %s given twice", k)
		}
		switch {
		case v == "":
			input[k] = nil
		case strings.Contains(v, `\`):
			input[k] = strings.Split(v, `\`)
		default:
			input[k] = v
		}
	}
	return connector.ParseQuery(input)
}

func printUsage(out io.Writer) {
	fmt.Fprintf(out, `dicomctl %s

Find, retrieve and store DICOM instances on a remote application entity.

Usage:
  dicomctl <command> --host HOST --port PORT --aet AET [options]

Commands:
`, version)
	for _, c := range commands {
		fmt.Fprintf(out, "  %-16s %s\n", c.name, c.summary)
	}
	fmt.Fprint(out, `
Examples:
  dicomctl echo -H pacs -p 4242 -a ORTHANC
  dicomctl find-studies -H pacs -a ORTHANC -q PatientID=P1 -q StudyDate=20240101-
  dicomctl download-series -H pacs -a ORTHANC -c study-find,study-get \
      -q PatientID=P1 -q StudyInstanceUID=1.2.3 -q SeriesInstanceUID=1.2.3.4 -o ./out
  dicomctl upload -H pacs -a ORTHANC -c store --folder ./study
`)
}
