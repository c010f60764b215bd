// docketctl is the operator CLI for a running docket daemon: submit
// documents, watch jobs, and work the review queue from a terminal.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"
)

const usage = `usage: docketctl [flags] <command> [args]

commands:
  submit <file>              upload a document for processing
  status <job_id>            show one job
  queue                      list pending review items
  claim                      claim the next review item
  approve <review_id>        approve a claimed item as-is
  correct <review_id> f=v..  approve with field corrections
  reject <review_id>         reject an item
  stats                      review dashboard summary
  health                     daemon health

flags:
`

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8000", "docket API address")
	token := flag.String("token", os.Getenv("DOCKET_TOKEN"), "bearer token for mutating endpoints")
	reviewer := flag.String("reviewer", defaultReviewer(), "reviewer name for queue commands")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{
		base:  strings.TrimSuffix(*addr, "/"),
		token: *token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "submit":
		err = cmdSubmit(c, args)
	case "status":
		err = cmdStatus(c, args)
	case "queue":
		err = cmdQueue(c, args, *reviewer)
	case "claim":
		err = cmdClaim(c, *reviewer)
	case "approve":
		err = cmdSubmitReview(c, args, "approve", *reviewer, nil, "")
	case "correct":
		err = cmdCorrect(c, args, *reviewer)
	case "reject":
		err = cmdReject(c, args, *reviewer)
	case "stats":
		err = cmdStats(c)
	case "health":
		err = cmdHealth(c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "docketctl: %v\n", err)
		os.Exit(1)
	}
}

func defaultReviewer() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "reviewer_1"
}

// client is a thin JSON-over-HTTP wrapper around the docket API.
type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(method, path string, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return errEmpty
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *client) getJSON(path string, out any) error {
	return c.do(http.MethodGet, path, "", nil, out)
}

func (c *client) postJSON(path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(http.MethodPost, path, "application/json", bytes.NewReader(raw), out)
}

// errEmpty marks a 204 response: a valid "nothing there" answer.
var errEmpty = errors.New("empty")

func cmdSubmit(c *client, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	contentType := fs.String("type", "", "content type (default: by file extension)")
	wait := fs.Bool("wait", false, "poll until the job reaches a terminal state")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("submit needs exactly one file argument")
	}

	path := fs.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ct := *contentType
	if ct == "" {
		ct = contentTypeFor(path)
	}

	var resp struct {
		JobID      string `json:"job_id"`
		DocumentID string `json:"document_id"`
		Status     string `json:"status"`
	}
	if err := c.do(http.MethodPost, "/process", ct, bytes.NewReader(data), &resp); err != nil {
		return err
	}
	fmt.Printf("job_id:      %s\ndocument_id: %s\nstatus:      %s\n", resp.JobID, resp.DocumentID, resp.Status)

	if !*wait {
		return nil
	}
	return waitForJob(c, resp.JobID)
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

func waitForJob(c *client, jobID string) error {
	deadline := time.Now().Add(2 * time.Minute)
	for {
		var job map[string]any
		if err := c.getJSON("/jobs/"+url.PathEscape(jobID), &job); err != nil {
			return err
		}
		status, _ := job["status"].(string)
		switch status {
		case "completed", "review_pending", "failed":
			fmt.Printf("terminal:    %s\n", status)
			if status == "review_pending" {
				fmt.Printf("review_item: %v\n", job["review_item_id"])
			}
			if status == "failed" {
				fmt.Printf("error:       %v\n", job["error"])
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("job %s still %s after 2m", jobID, status)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func cmdStatus(c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("status needs exactly one job id")
	}
	var job map[string]any
	if err := c.getJSON("/jobs/"+url.PathEscape(args[0]), &job); err != nil {
		return err
	}
	return printJSON(job)
}

func cmdQueue(c *client, args []string, reviewer string) error {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	limit := fs.Int("limit", 20, "max items")
	offset := fs.Int("offset", 0, "skip items")
	fs.Parse(args)

	q := url.Values{}
	q.Set("limit", fmt.Sprint(*limit))
	q.Set("offset", fmt.Sprint(*offset))
	if reviewer != "" {
		q.Set("user", reviewer)
	}

	var resp struct {
		Items []struct {
			ID          string `json:"id"`
			DocumentID  string `json:"document_id"`
			Priority    int    `json:"priority"`
			Status      string `json:"status"`
			Reason      string `json:"reason"`
			SLADeadline string `json:"sla_deadline"`
			AssignedTo  string `json:"assigned_to"`
		} `json:"items"`
	}
	if err := c.getJSON("/queue?"+q.Encode(), &resp); err != nil {
		return err
	}

	if len(resp.Items) == 0 {
		fmt.Println("queue is empty")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRI\tSTATUS\tDEADLINE\tREASON\tASSIGNED")
	for _, it := range resp.Items {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			it.ID, it.Priority, it.Status, it.SLADeadline, it.Reason, it.AssignedTo)
	}
	return w.Flush()
}

func cmdClaim(c *client, reviewer string) error {
	var resp struct {
		ReviewItem map[string]any `json:"review_item"`
	}
	err := c.postJSON("/queue/claim", map[string]string{"reviewer": reviewer}, &resp)
	if errors.Is(err, errEmpty) {
		fmt.Println("queue is empty")
		return nil
	}
	if err != nil {
		return err
	}
	return printJSON(resp.ReviewItem)
}

func cmdCorrect(c *client, args []string, reviewer string) error {
	if len(args) < 2 {
		return fmt.Errorf("correct needs a review id and at least one field=value")
	}
	corrections := map[string]any{}
	for _, kv := range args[1:] {
		field, raw, ok := strings.Cut(kv, "=")
		if !ok || field == "" {
			return fmt.Errorf("bad correction %q, want field=value", kv)
		}
		corrections[field] = parseValue(raw)
	}
	return cmdSubmitReview(c, args[:1], "correct", reviewer, corrections, "")
}

// parseValue keeps corrections typed: numbers and booleans survive as JSON
// scalars, everything else is a string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func cmdReject(c *client, args []string, reviewer string) error {
	fs := flag.NewFlagSet("reject", flag.ExitOnError)
	reason := fs.String("reason", "", "why the item is rejected")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("reject needs exactly one review id")
	}
	return cmdSubmitReview(c, fs.Args(), "reject", reviewer, nil, *reason)
}

func cmdSubmitReview(c *client, args []string, decision, reviewer string, corrections map[string]any, rejectReason string) error {
	if len(args) != 1 {
		return fmt.Errorf("%s needs exactly one review id", decision)
	}
	body := map[string]any{
		"reviewer": reviewer,
		"decision": decision,
	}
	if len(corrections) > 0 {
		body["corrections"] = corrections
	}
	if rejectReason != "" {
		body["reject_reason"] = rejectReason
	}

	var resp map[string]any
	if err := c.postJSON("/queue/"+url.PathEscape(args[0])+"/submit", body, &resp); err != nil {
		return err
	}
	return printJSON(resp)
}

func cmdStats(c *client) error {
	var stats map[string]any
	if err := c.getJSON("/queue/stats", &stats); err != nil {
		return err
	}
	return printJSON(stats)
}

func cmdHealth(c *client) error {
	var health map[string]any
	if err := c.getJSON("/health", &health); err != nil {
		return err
	}
	return printJSON(health)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
