package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"attribution/delivery"
	"attribution/engine"
	"attribution/models"
	"attribution/storage"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	labelColor = color.New(color.FgHiCyan, color.Bold)
	okColor    = color.New(color.FgHiGreen)
	errColor   = color.New(color.FgHiRed, color.Bold)
	dimColor   = color.New(color.FgHiBlack)
)

func success(msg string) {
	okColor.Println(msg)
}

func fail(err error) {
	errColor.Fprintln(os.Stderr, "error:", err)
}

func printCallback(callbackType, body string) {
	printBody(callbackType, body)
}

func printResponse(label string) engine.ResponseFunc {
	return func(body string) { printBody(label, body) }
}

func printBody(label, body string) {
	c := okColor
	if delivery.IsErrorResponse(body) {
		c = errColor
	}
	fmt.Printf("%s %s\n", labelColor.Sprintf("[%s]", label), c.Sprint(body))
}

func printInfo(store *storage.Store) {
	row := func(k, v string) {
		fmt.Printf("%s %s\n", labelColor.Sprintf("%-16s", k), v)
	}
	row("device_id", store.DeviceID())

	value, present := store.FirstInstallState()
	state := strconv.FormatBool(value)
	if !present {
		state += dimColor.Sprint(" (default)")
	}
	row("first_install", state)

	if ref, ok := store.InstallReferrer(); ok {
		row("install_referrer", ref)
	} else {
		row("install_referrer", dimColor.Sprint("none"))
	}
	if d, ok := store.InstallData(); ok {
		pairs := make([]string, 0, len(d.KeyValuePairs))
		for k, v := range d.KeyValuePairs {
			pairs = append(pairs, k+"="+v)
		}
		sort.Strings(pairs)
		row("install_data", d.ShortLink+" "+strings.Join(pairs, " "))
	} else {
		row("install_data", dimColor.Sprint("none"))
	}
	row("failed_events", strconv.Itoa(len(store.FailedEvents())))
}

func printFailed(queue []models.Event) error {
	if len(queue) == 0 {
		dimColor.Println("failed-event queue is empty")
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	if err := table.Append([]string{"#", "EVENT", "SHORTLINK", "TIMESTAMP", "SESSION"}); err != nil {
		return err
	}
	for i, ev := range queue {
		ts := time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339)
		if err := table.Append([]string{strconv.Itoa(i + 1), ev.EventType, ev.ShortLink, ts, ev.SessionID}); err != nil {
			return err
		}
	}
	return table.Render()
}

// printStats renders every counter and gauge in reg.
func printStats(reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	table := tablewriter.NewWriter(os.Stdout)
	if err := table.Append([]string{"METRIC", "LABELS", "VALUE"}); err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				value = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			row := []string{mf.GetName(), strings.Join(labels, ","), strconv.FormatFloat(value, 'f', -1, 64)}
			if err := table.Append(row); err != nil {
				return err
			}
		}
	}
	return table.Render()
}
