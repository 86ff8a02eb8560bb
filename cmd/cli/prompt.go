package main

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/and161185/mdmkeeper/internal/rpc"
)

// confirmer asks each prompt on out and reads y/N answers from in.
// End of input declines every remaining device.
func confirmer(in io.Reader, out io.Writer) func(rpc.ConfirmPrompt) bool {
	r := bufio.NewReader(in)
	eof := false
	return func(p rpc.ConfirmPrompt) bool {
		if eof {
			return false
		}
		fmt.Fprintf(out, "%s [y/N]: ", p.Text)
		line, err := r.ReadString('\n')
		if err != nil {
			eof = true
			if line == "" {
				fmt.Fprintln(out)
				return false
			}
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "N/A"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// printDevices renders the device table.
func printDevices(w io.Writer, ds []rpc.Device) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE NAME\tMODEL\tCOMPLIANCE\tLAST SYNC\tOS\tOS VERSION\tSERIAL\tOWNERSHIP\tID")
	for _, d := range ds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			orNA(d.DeviceName), orNA(d.Model), orNA(d.ComplianceState), fmtTime(d.LastSyncDateTime),
			orNA(d.OperatingSystem), orNA(d.OSVersion), orNA(d.SerialNumber), orNA(d.Ownership), d.ID)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d device(s)\n", len(ds))
}

// printBatch renders per-device outcomes and a summary line.
func printBatch(w io.Writer, b rpc.BatchResult) (failed int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE ID\tACTION\tRESULT\tDETAIL")
	for _, o := range b.Outcomes {
		res, detail := "ok", ""
		if !o.Success {
			failed++
			res, detail = "FAILED", o.Message
			if o.StatusCode != 0 {
				detail = fmt.Sprintf("%d %s", o.StatusCode, o.Message)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.DeviceID, o.Action, res, detail)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "batch %s: %d succeeded, %d failed\n", b.BatchID, len(b.Outcomes)-failed, failed)
	if b.Error != "" {
		fmt.Fprintf(w, "interrupted: %s\n", b.Error)
	}
	return failed
}

// openBrowser opens url with the platform handler.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

func printHistory(w io.Writer, recs []rpc.HistoryRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOPERATOR\tACTION\tDEVICE ID\tRESULT\tBATCH")
	for _, r := range recs {
		res := "ok"
		if !r.Success {
			res = "FAILED: " + r.Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RecordedAt.Local().Format(time.RFC3339), r.Operator, r.Action, r.DeviceID, res, r.BatchID)
	}
	_ = tw.Flush()
}
