package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ghzlab/dacal/calserver"
	"github.com/ghzlab/dacal/calstore"
	"github.com/ghzlab/dacal/generichttp/daq"
	"github.com/ghzlab/dacal/ghzdac"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "ghzcal.yml"

	logLevel string
	k        = koanf.New(".")
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	return nil
}

func setupconfig() error {
	k = koanf.New(".")
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return errors.Wrap(err, "loading config")
		}
	}
	// GHZCAL_STORE_KIND -> store.kind
	return k.Load(env.Provider("GHZCAL_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GHZCAL_")), "_", ".", -1)
	}), nil)
}

func loadConfig() (Config, error) {
	c := Config{}
	err := k.Unmarshal("", &c)
	return c, err
}

// NewCommand builds the ghzcal command tree
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ghzcal",
		Short: "GHz DAC calibration server and tools",
		Long: `ghzcal corrects waveforms for GHz DAC boards using calibrations taken with a
vector network analyzer or a sampling scope, and exposes an HTTP interface
to them.

Calibrations live in a store, a directory of FITS files, a sqlite database,
or another ghzcal serving its store with the vault command.  Configuration
is read from ghzcal.yml (see mkconf) and GHZCAL_ environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogger(); err != nil {
				return err
			}
			return setupconfig()
		},
	}
	cmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	cmd.PersistentFlags().StringVarP(&ConfigFileName, "config", "c", ConfigFileName, "configuration file")

	cmd.AddCommand(
		newRunCommand(),
		newVaultCommand(),
		newImportCommand(),
		newResolveCommand(),
		newCorrectCommand(),
		newMkconfCommand(),
		newConfCommand(),
		newVersionCommand(),
	)
	return cmd
}

// interrupted is cancelled on SIGINT or SIGTERM
func interrupted() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		logrus.Info("shutting down")
		shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shut)
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "serve waveform corrections over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			pool, closer, err := OpenStore(c)
			if err != nil {
				return err
			}
			defer closer()
			srv, err := calserver.New(pool, c.Session, c.Settings)
			if err != nil {
				return err
			}
			if c.Watch && strings.EqualFold(c.Store.Kind, calstore.KindFITS) {
				w, err := srv.Watch(c.Store.Root)
				if err != nil {
					return err
				}
				defer w.Close()
			}
			ctx, cancel := interrupted()
			defer cancel()
			logrus.WithFields(logrus.Fields{"addr": c.Addr, "store": c.Store.Kind}).Info("now listening for requests")
			return serve(ctx, c.Addr, BuildMux(c, srv))
		},
	}
}

func newVaultCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vault",
		Short: "serve the calibration store to other ghzcal servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			pool, closer, err := OpenStore(c)
			if err != nil {
				return err
			}
			defer closer()
			ctx, cancel := interrupted()
			defer cancel()
			logrus.WithFields(logrus.Fields{"addr": c.VaultAddr, "store": c.Store.Kind}).Info("now serving the store")
			return serve(ctx, c.VaultAddr, BuildVaultMux(pool))
		},
	}
}

func newImportCommand() *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "import <board> <caltype> <file.csv>",
		Short: "add a calibration dataset read from CSV to the store",
		Long: `import appends a dataset to the store of the configuration.  The CSV has a
header row.  The caltype is one of zero, pulse, IQ, "DAC A", "DAC B".

Parameters are given as key=value, e.g.
	ghzcal import b1 pulse pulse.csv -p "Anritsu frequency=6" -p "Setup type=DAC A -> mixer I, DAC B -> mixer Q"`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			kv, err := ParseParams(params)
			if err != nil {
				return err
			}
			f, err := os.Open(args[2])
			if err != nil {
				return err
			}
			defer f.Close()
			rows, err := ReadRows(f)
			if err != nil {
				return errors.Wrap(err, args[2])
			}
			d, err := calstore.Open(c.Store)
			if err != nil {
				return err
			}
			defer closeStore(d)
			ctx := cmd.Context()
			conn, err := d.Dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			w, ok := conn.(calstore.Writer)
			if !ok {
				return errors.Errorf("%s store is read only", c.Store.Kind)
			}
			name, err := w.Append(ctx, ghzdac.BoardPath(c.Session, args[0]), args[1], rows, kv)
			if err != nil {
				return err
			}
			fmt.Println(name)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "dataset parameter, key=value")
	return cmd
}

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <board>",
		Short: "print the datasets a board would be corrected with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := calstore.Open(c.Store)
			if err != nil {
				return err
			}
			defer closeStore(d)
			ctx := cmd.Context()
			conn, err := d.Dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			names, err := conn.List(ctx, ghzdac.BoardPath(c.Session, args[0]))
			if err != nil {
				return err
			}
			for _, typ := range []ghzdac.CalType{ghzdac.Zero, ghzdac.Pulse, ghzdac.IQ, ghzdac.DACA, ghzdac.DACB} {
				name := "-"
				if i, ok := ghzdac.Resolve(names, string(typ)); ok {
					name = names[i]
				}
				fmt.Printf("%-6s %s\n", typ, name)
			}
			return nil
		},
	}
}

func newSpinner(msg string) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopMessage:       "done",
		StopFailCharacter: "✗",
		StopFailMessage:   "failed",
		Writer:            os.Stderr,
	})
}

func newCorrectCommand() *cobra.Command {
	var (
		dac, out  string
		frequency float64
		loop      bool
		rescale   bool
	)
	cmd := &cobra.Command{
		Use:   "correct <board> <in.csv>",
		Short: "correct a waveform and write the DAC values as CSV",
		Long: `correct reads a waveform sampled at 1 GS/s from CSV and writes the corrected
DAC values.  The CSV has a "real" column, and an "imag" column in IQ mode.

Either --dac (single channel mode) or --frequency (IQ mode, carrier in GHz)
must be given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			cols, err := daq.ReadWaveformCSV(f)
			f.Close()
			if err != nil {
				return errors.Wrap(err, args[1])
			}
			req, err := requestFromColumns(args[0], cols)
			if err != nil {
				return err
			}
			req.DAC, req.Loop, req.Rescale = dac, loop, rescale
			if cmd.Flags().Changed("frequency") {
				req.Frequency = &frequency
			}
			if err = req.Validate(); err != nil {
				return err
			}

			d, err := calstore.Open(c.Store)
			if err != nil {
				return err
			}
			defer closeStore(d)
			srv, err := calserver.New(d, c.Session, c.Settings)
			if err != nil {
				return err
			}
			spin, err := newSpinner("loading calibrations of " + args[0])
			if err != nil {
				return err
			}
			_ = spin.Start()
			resp, err := srv.Correct(cmd.Context(), req)
			if err != nil {
				_ = spin.StopFail()
				return err
			}
			_ = spin.Stop()
			if len(resp.Missing) != 0 {
				logrus.WithField("missing", resp.Missing).Warn("some corrections were skipped")
			}
			if resp.Clipped != 0 {
				logrus.WithField("samples", resp.Clipped).Warn("clipped")
			}
			if rescale {
				logrus.WithField("factor", resp.Rescale).Info("rescaled")
			}

			w := os.Stdout
			if out != "" && out != "-" {
				w, err = os.Create(out)
				if err != nil {
					return err
				}
				defer w.Close()
			}
			if req.IQ() {
				return daq.WriteSamplesCSV(w, []string{"i", "q"}, resp.I, resp.Q)
			}
			return daq.WriteSamplesCSV(w, []string{"value"}, resp.Values)
		},
	}
	cmd.Flags().StringVar(&dac, "dac", "", "DAC channel, A or B")
	cmd.Flags().Float64Var(&frequency, "frequency", 0, "carrier frequency in GHz")
	cmd.Flags().BoolVar(&loop, "loop", false, "the waveform is played in a loop")
	cmd.Flags().BoolVar(&rescale, "rescale", false, "scale the waveform down instead of clipping")
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file, stdout if empty")
	return cmd
}

func newMkconfCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mkconf",
		Short: "write the configuration in effect to " + ConfigFileName,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			f, err := os.Create(ConfigFileName)
			if err != nil {
				return err
			}
			defer f.Close()
			return yml.NewEncoder(f).Encode(c)
		},
	}
}

func newConfCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "print the configuration in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return yml.NewEncoder(os.Stdout).Encode(c)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ghzcal version %v\n", Version)
		},
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
