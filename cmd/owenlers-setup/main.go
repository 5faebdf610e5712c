package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/owenlers/internal/api"
	"github.com/tejusbharadwaj/owenlers/internal/config"
	"github.com/tejusbharadwaj/owenlers/internal/models"
)

// Command owenlers-setup helps prepare a bridge configuration.
//
// Usage:
//
//	owenlers-setup devices [-env .env] [-url URL]
//	owenlers-setup check   [-env .env] -server URL
//	owenlers-setup init    [-out config.yaml] -server URL -point M1=P1:flow,P2:temp ...
//
// devices lists OwenCloud devices with their parameter ids, check verifies
// that the LERS token may save data, init writes a config skeleton.
// Credentials come from OWEN_LOGIN, OWEN_PASSWORD and LERS_TOKEN.
func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "devices":
		err = runDevices(ctx, os.Args[2:], os.Stdout)
	case "check":
		err = runCheck(ctx, os.Args[2:], os.Stdout)
	case "init":
		err = runInit(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.WithError(err).Error(os.Args[1] + " failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: owenlers-setup devices|check|init [flags]")
}

func runDevices(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("devices", flag.ContinueOnError)
	envFile := fs.String("env", ".env", "Path to a .env file with secrets")
	baseURL := fs.String("url", api.DefaultSourceURL, "OwenCloud API root")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}

	client := api.NewSourceClient(*baseURL, 30*time.Second)
	auth, err := client.Login(ctx, models.Credentials{
		Login:    os.Getenv("OWEN_LOGIN"),
		Password: os.Getenv("OWEN_PASSWORD"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Logged in as %s %s (%s)\n\n", auth.Name, auth.Surname, auth.CompanyName)

	devices, err := client.ListDevices(ctx, auth.Token)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, d := range devices {
		details, err := client.DeviceDetails(ctx, auth.Token, d.ID)
		if err != nil {
			return err
		}
		categories := make(map[int64]string, len(details.Categories))
		for _, c := range details.Categories {
			categories[c.ID] = c.Name
		}

		fmt.Fprintf(tw, "%d\t%s\n", d.ID, d.Name)
		for _, p := range details.Parameters {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s %s\n",
				p.ID, categories[p.CategoryID], p.Name, p.FormattedValue, p.Measurement.Title)
		}
	}
	return tw.Flush()
}

func runCheck(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	envFile := fs.String("env", ".env", "Path to a .env file with secrets")
	serverURL := fs.String("server", "", "LERS server URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	if *serverURL == "" {
		return fmt.Errorf("-server is required")
	}

	sink := api.NewSinkClient(api.SinkConfig{
		ServerURL: *serverURL,
		Token:     os.Getenv("LERS_TOKEN"),
		Timeout:   30 * time.Second,
	})

	info, err := sink.ServerInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "LERS server version %s\n", info.Version)

	login, err := sink.CurrentLogin(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Token belongs to %s\n", login.Account.DisplayName)

	if !login.CanSaveData() {
		fmt.Fprintf(out, "Warning: account %s lacks the saveData permission, pushes will be rejected\n", login.Account.DisplayName)
		return nil
	}
	fmt.Fprintln(out, "Account may save data")
	return nil
}

func runInit(args []string, stdout io.Writer) error {
	var points pointFlags

	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	outFile := fs.String("out", "config.yaml", "Where to write the config, - for stdout")
	serverURL := fs.String("server", "", "LERS server URL")
	interval := fs.Int("interval", 60, "Seconds between cycles")
	fs.Var(&points, "point", "Measure point routes, e.g. M1=P1:flow,P2:temp (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := skeleton(*serverURL, *interval, points)

	if *outFile == "-" {
		return writeSkeleton(stdout, cfg)
	}

	f, err := os.OpenFile(*outFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", *outFile, err)
	}
	if err := writeSkeleton(f, cfg); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s\n", *outFile)
	return nil
}
