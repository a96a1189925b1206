package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/jcbsnclr/ksync/internal/client"
	"github.com/jcbsnclr/ksync/pkg/protocol"
)

var (
	okText    = color.New(color.FgGreen).SprintFunc()
	warnText  = color.New(color.FgYellow).SprintFunc()
	errText   = color.New(color.FgRed, color.Bold).SprintFunc()
	hashText  = color.New(color.FgCyan).SprintFunc()
	dimText   = color.New(color.Faint).SprintFunc()
	titleText = color.New(color.Bold).SprintFunc()
)

const timeLayout = "2006-01-02 15:04:05.000"

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func printVersion(w io.Writer, verb string, v protocol.VersionResponse) {
	fmt.Fprintf(w, "%s version %d %s %s\n",
		okText(verb), v.Seq, hashText(shortHash(v.Tree)), dimText(formatTime(v.Timestamp)))
}

func printError(w io.Writer, err error) {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(w, "%s %s %s\n", errText("error:"), apiErr.Message, dimText("("+string(apiErr.Kind)+")"))
		return
	}
	fmt.Fprintf(w, "%s %v\n", errText("error:"), err)
}
