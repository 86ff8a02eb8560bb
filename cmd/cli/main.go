// Command mk is the operator CLI for the mdmkeeper daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"
	"time"

	"github.com/and161185/mdmkeeper/internal/config"
	"github.com/and161185/mdmkeeper/internal/convert"
	"github.com/and161185/mdmkeeper/internal/export"
	"github.com/and161185/mdmkeeper/internal/rpc"
)

func usage() {
	fmt.Fprintf(os.Stderr, `mk CLI
Usage:
  mk [-addr HOST:PORT] [-tls [-cacert file | -insecure]] [-operator name] <cmd> [args]

  Plaintext by default, matching mk-server without -tls-cert. Pass -tls
  (implied by -cacert or -insecure) when the daemon serves TLS.

Commands:
  version
  login    [-client <id> -tenant <id>] [-open]   (device-code sign-in)
  status
  devices  [-name <deviceName> | -upn <user>] [-json]   (fetch from Intune)
  list     [-json]                                       (last fetched devices)
  show     -id <device id>
  export   [-out device_data.csv] [-refresh]
  apply    -action sync|retire|wipe|delete [-yes] [-all] <device id>...
  history  [-limit N] [-json]
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func defaultOperator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	// global flags
	var o connOpts
	flag.StringVar(&o.addr, "addr", "127.0.0.1:7443", "daemon addr")
	flag.StringVar(&o.caPath, "cacert", "", "CA cert (PEM)")
	flag.BoolVar(&o.skipVerify, "insecure", false, "skip cert verify (dev)")
	flag.BoolVar(&o.useTLS, "tls", false, "connect with TLS (daemon started with -tls-cert)")
	flag.StringVar(&o.controlKey, "control-key", config.DefaultControlKey(), "control key file shared with the daemon")
	flag.StringVar(&o.operator, "operator", defaultOperator(), "operator name recorded with actions")
	timeout := flag.Duration("timeout", 2*time.Minute, "per-command timeout (login and apply are unbounded)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(sigCtx, *timeout)
	defer cancel()

	if cmd == "version" {
		fmt.Printf("mk %s (%s)\n", version, buildDate)
		return
	}

	cc, cli, err := dial(o)
	if err != nil {
		fail(err)
	}
	defer cc.Close()

	switch cmd {

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		client := fs.String("client", "", "application (client) id")
		tenant := fs.String("tenant", "", "directory (tenant) id")
		open := fs.Bool("open", false, "open the verification page in a browser")
		_ = fs.Parse(args)
		if *client == "" || *tenant == "" {
			saved, err := loadApp()
			if err != nil {
				fmt.Fprintln(os.Stderr, "need -client and -tenant")
				os.Exit(1)
			}
			if *client == "" {
				*client = saved.ClientID
			}
			if *tenant == "" {
				*tenant = saved.TenantID
			}
		}

		info, err := cli.Authenticate(sigCtx, rpc.LoginRequest{ClientID: *client, TenantID: *tenant}, func(ch rpc.Challenge) {
			if ch.Message != "" {
				fmt.Println(ch.Message)
			} else {
				fmt.Printf("Open %s and enter the code %s\n", ch.VerificationURI, ch.UserCode)
			}
			if *open {
				if err := openBrowser(ch.VerificationURI); err != nil {
					fmt.Fprintf(os.Stderr, "open browser: %v\n", err)
				}
			}
		})
		if err != nil {
			fail(err)
		}
		if err := saveApp(*client, *tenant); err != nil {
			fmt.Fprintf(os.Stderr, "save app ids: %v\n", err)
		}
		fmt.Printf("signed in as %s\n", orNA(info.Username))

	case "status":
		info, err := cli.Status(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(info)

	case "devices":
		fs := flag.NewFlagSet("devices", flag.ExitOnError)
		name := fs.String("name", "", "exact device name")
		upn := fs.String("upn", "", "exact user principal name")
		asJSON := fs.Bool("json", false, "print JSON")
		_ = fs.Parse(args)
		req, err := fetchRequest(*name, *upn)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		list, err := cli.FetchDevices(ctx, req)
		if err != nil {
			fail(err)
		}
		if *asJSON {
			printJSON(list)
			return
		}
		printDevices(os.Stdout, list.Devices)

	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		asJSON := fs.Bool("json", false, "print JSON")
		_ = fs.Parse(args)
		list, err := cli.ListDevices(ctx)
		if err != nil {
			fail(err)
		}
		if *asJSON {
			printJSON(list)
			return
		}
		printDevices(os.Stdout, list.Devices)

	case "show":
		fs := flag.NewFlagSet("show", flag.ExitOnError)
		id := fs.String("id", "", "device id")
		_ = fs.Parse(args)
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		d, err := cli.GetDevice(ctx, *id)
		if err != nil {
			fail(err)
		}
		printJSON(d)

	case "export":
		fs := flag.NewFlagSet("export", flag.ExitOnError)
		out := fs.String("out", export.DefaultFile, "output CSV file")
		refresh := fs.Bool("refresh", false, "fetch all devices before exporting")
		_ = fs.Parse(args)
		var list rpc.DeviceList
		if *refresh {
			list, err = cli.FetchDevices(ctx, rpc.FetchRequest{})
		} else {
			list, err = cli.ListDevices(ctx)
		}
		if err != nil {
			fail(err)
		}
		if err := export.WriteFile(*out, convert.FromWireDevices(list.Devices)); err != nil {
			fail(err)
		}
		fmt.Printf("exported %d device(s) to %s\n", len(list.Devices), *out)

	case "apply":
		fs := flag.NewFlagSet("apply", flag.ExitOnError)
		action := fs.String("action", "", "sync|retire|wipe|delete")
		yes := fs.Bool("yes", false, "do not ask for confirmation")
		all := fs.Bool("all", false, "act on every fetched device")
		_ = fs.Parse(args)
		if *action == "" {
			fmt.Fprintln(os.Stderr, "need -action")
			os.Exit(1)
		}
		ids := fs.Args()
		if *all {
			list, err := cli.ListDevices(ctx)
			if err != nil {
				fail(err)
			}
			ids = deviceIDs(list.Devices)
		}
		if len(ids) == 0 {
			fmt.Fprintln(os.Stderr, "no devices selected")
			os.Exit(1)
		}

		res, err := cli.ApplyAction(sigCtx, rpc.ApplyStart{Action: *action, DeviceIDs: ids, AssumeYes: *yes},
			confirmer(os.Stdin, os.Stdout))
		if err != nil {
			fail(err)
		}
		if failed := printBatch(os.Stdout, res); failed > 0 || res.Error != "" {
			os.Exit(1)
		}

	case "history":
		fs := flag.NewFlagSet("history", flag.ExitOnError)
		limit := fs.Int("limit", 0, "max records (server default when 0)")
		asJSON := fs.Bool("json", false, "print JSON")
		_ = fs.Parse(args)
		recs, err := cli.History(ctx, *limit)
		if err != nil {
			fail(err)
		}
		if *asJSON {
			printJSON(recs)
			return
		}
		printHistory(os.Stdout, recs)

	default:
		usage()
	}
}

// fetchRequest builds the device filter from the mutually exclusive flags.
func fetchRequest(name, upn string) (rpc.FetchRequest, error) {
	name, upn = strings.TrimSpace(name), strings.TrimSpace(upn)
	switch {
	case name != "" && upn != "":
		return rpc.FetchRequest{}, fmt.Errorf("use -name or -upn, not both")
	case name != "":
		return rpc.FetchRequest{Field: "deviceName", Value: name}, nil
	case upn != "":
		return rpc.FetchRequest{Field: "userPrincipalName", Value: upn}, nil
	}
	return rpc.FetchRequest{}, nil
}

func deviceIDs(ds []rpc.Device) []string {
	ids := make([]string, 0, len(ds))
	for _, d := range ds {
		ids = append(ids, d.ID)
	}
	return ids
}
