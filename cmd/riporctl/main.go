// riporctl drives a running agent through its loopback control plane.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gerswin/ripor/internal/agent"
	"github.com/gerswin/ripor/internal/auth"
	"github.com/gerswin/ripor/internal/paths"
	"github.com/gerswin/ripor/internal/policy"
)

func main() {
	root := &cobra.Command{
		Use:           "riporctl",
		Short:         "ripor — control the local activity-telemetry agent",
		Version:       agent.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(policyCmd(), pauseCmd(), resumeCmd(), stateCmd(), openCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func panelBase() string {
	if addr := os.Getenv("PANEL_ADDR"); addr != "" {
		return "http://" + addr
	}
	return "http://127.0.0.1:49219"
}

func getJSON(path string, out any) error {
	resp, err := http.Get(panelBase() + path)
	if err != nil {
		return fmt.Errorf("is the agent running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(path string, body []byte) error {
	resp, err := http.Post(panelBase()+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("is the agent running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, msg)
	}
	return nil
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Show, pull or apply the capture policy"}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective policy from the running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st struct {
				Policy     json.RawMessage `json:"policy"`
				PolicyETag *string         `json:"policy_etag"`
			}
			if err := getJSON("/state", &st); err != nil {
				return err
			}
			if asJSON {
				out, _ := json.Marshal(map[string]any{"policy": st.Policy, "etag": st.PolicyETag})
				fmt.Println(string(out))
				return nil
			}
			etag := "<none>"
			if st.PolicyETag != nil {
				etag = *st.PolicyETag
			}
			var pretty bytes.Buffer
			json.Indent(&pretty, st.Policy, "", "  ")
			fmt.Println("Policy ETag:", etag)
			fmt.Println(pretty.String())
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print raw JSON only")

	pull := &cobra.Command{
		Use:   "pull",
		Short: "Fetch the policy from the backend, persist it and notify the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return policyPull()
		},
	}

	apply := &cobra.Command{
		Use:   "apply <file>",
		Short: "Apply a local policy file immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return policyApply(args[0])
		},
	}

	cmd.AddCommand(show, pull, apply)
	return cmd
}

func policyPull() error {
	api := os.Getenv("API_BASE_URL")
	email := os.Getenv("USER_EMAIL")
	if api == "" || email == "" {
		return fmt.Errorf("API_BASE_URL and USER_EMAIL must be set")
	}
	p, err := paths.New()
	if err != nil {
		return err
	}
	secrets, err := auth.Load(p)
	if err != nil {
		return err
	}
	if secrets == nil {
		return fmt.Errorf("no secrets found; run the agent first so it can enroll")
	}

	req, err := http.NewRequest(http.MethodGet, api+"/v1/policy/"+url.PathEscape(email), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Agent-Token", secrets.AgentToken)
	if st := policy.Load(p); st.ETag != nil {
		req.Header.Set("If-None-Match", *st.ETag)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		fmt.Println("policy unchanged (304)")
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		var wrapped struct {
			Policy *policy.Policy `json:"policy"`
		}
		var pol policy.Policy
		if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Policy != nil {
			pol = *wrapped.Policy
		} else if err := json.Unmarshal(body, &pol); err != nil {
			return fmt.Errorf("parsing policy: %w", err)
		}
		st := policy.State{Policy: pol}
		if etag := resp.Header.Get("ETag"); etag != "" {
			st.ETag = &etag
		}
		if err := policy.Save(p, st); err != nil {
			return err
		}
		fmt.Println("policy saved to", p.PolicyFile())
		// Best effort: a stopped agent picks the file up at next start.
		if err := postJSON("/policy/refresh", nil); err == nil {
			fmt.Println("agent notified")
		}
		return nil
	default:
		return fmt.Errorf("policy fetch: status %d", resp.StatusCode)
	}
}

func policyApply(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	// Accept {"policy":{...}} wrapping or the bare object.
	var wrapped struct {
		Policy json.RawMessage `json:"policy"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Policy) > 0 {
		data = wrapped.Policy
	}
	var pol policy.Policy
	if err := json.Unmarshal(data, &pol); err != nil {
		return fmt.Errorf("parsing policy file: %w", err)
	}
	body, _ := json.Marshal(pol)
	if err := postJSON("/policy/apply", body); err != nil {
		return err
	}
	fmt.Println("policy applied")
	return nil
}

func pauseCmd() *cobra.Command {
	var minutes, ms int64
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause capture (default 15 minutes)",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/pause"
			if ms > 0 {
				path += "?ms=" + strconv.FormatInt(ms, 10)
			} else if minutes > 0 {
				path += "?minutes=" + strconv.FormatInt(minutes, 10)
			}
			var out struct {
				PausedUntilMs int64 `json:"paused_until_ms"`
			}
			if err := getJSON(path, &out); err != nil {
				return err
			}
			fmt.Println("paused until", out.PausedUntilMs)
			return nil
		},
	}
	cmd.Flags().Int64Var(&minutes, "minutes", 0, "pause duration in minutes")
	cmd.Flags().Int64Var(&ms, "ms", 0, "pause duration in milliseconds")
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear the capture pause",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := getJSON("/pause/clear", &out); err != nil {
				return err
			}
			fmt.Println("capture resumed")
			return nil
		},
	}
}

func stateCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the agent state snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if err := getJSON("/state", &raw); err != nil {
				return err
			}
			if asJSON {
				fmt.Println(string(raw))
				return nil
			}
			var pretty bytes.Buffer
			json.Indent(&pretty, raw, "", "  ")
			fmt.Println(pretty.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON only")
	return cmd
}

func openCmd() *cobra.Command {
	var inline bool
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open the agent panel in the browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := panelBase() + "/panel/"
			if inline {
				target = panelBase() + "/"
			}
			return openBrowser(target)
		},
	}
	cmd.Flags().BoolVar(&inline, "inline", false, "open the inline status page instead of the panel")
	return cmd
}

func openBrowser(target string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", target).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", target).Start()
	default:
		return exec.Command("xdg-open", target).Start()
	}
}
