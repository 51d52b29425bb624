// TowerGate CLI
//
// Operator interface for the Tower: grants, proxy-IP allocations,
// live sessions and maintenance. Thin wrappers over the Tower API;
// no policy logic lives here.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var version = "1.0.0"

type cli struct {
	baseURL string
	token   string
	client  *http.Client
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	c := &cli{
		baseURL: envOr("TOWERGATE_URL", "http://127.0.0.1:8443"),
		token:   os.Getenv("TOWERGATE_TOKEN"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}

	var err error
	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Printf("towergate v%s\n", version)
	case "grant":
		err = c.handleGrant(os.Args[2:])
	case "alloc":
		err = c.handleAlloc(os.Args[2:])
	case "sessions":
		err = c.handleSessions(os.Args[2:])
	case "gates":
		err = c.handleGates(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "towergate: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`TowerGate CLI - bastion access management

Usage: towergate <command> [options]

Commands:
  grant     Manage access grants (add, revoke, list)
  alloc     Manage proxy IP allocations (assign, remove, list, cleanup)
  sessions  Live sessions (list, kill)
  gates     Gate fleet status
  version   Show version

Environment:
  TOWERGATE_URL    Tower API base URL (default http://127.0.0.1:8443)
  TOWERGATE_TOKEN  API bearer token

Examples:
  towergate grant add --person 3 --server 7 --logins root,deploy --hours 8
  towergate grant revoke 30
  towergate alloc assign --ip 100.64.0.21 --gate 1 --server 7
  towergate alloc cleanup
  towergate sessions kill 6f9c...`)
}

func (c *cli) handleGrant(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: towergate grant <add|revoke|list>")
	}
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("grant add", flag.ExitOnError)
		person := fs.Int64("person", 0, "person ID")
		group := fs.Int64("group", 0, "person group ID")
		server := fs.Int64("server", 0, "server ID")
		serverGroup := fs.Int64("server-group", 0, "server group ID")
		protocol := fs.String("protocol", "ssh", "protocol (ssh|rdp)")
		logins := fs.String("logins", "", "comma-separated allowed SSH logins (empty = any)")
		hours := fs.Int("hours", 0, "grant duration in hours (0 = permanent)")
		portForwarding := fs.Bool("port-forwarding", false, "allow port forwarding")
		mfa := fs.Bool("mfa", false, "require out-of-band verification")
		fs.Parse(args[1:])

		body := map[string]any{
			"person_id":               *person,
			"group_id":                *group,
			"server_id":               *server,
			"server_group_id":         *serverGroup,
			"protocol":                *protocol,
			"port_forwarding_allowed": *portForwarding,
			"mfa_required":            *mfa,
		}
		if *logins != "" {
			body["ssh_logins"] = strings.Split(*logins, ",")
		}
		if *hours > 0 {
			body["end_time"] = time.Now().UTC().Add(time.Duration(*hours) * time.Hour)
		}
		return c.call(http.MethodPost, "/api/v1/policies", body)
	case "revoke":
		if len(args) < 2 {
			return fmt.Errorf("usage: towergate grant revoke <policy-id>")
		}
		return c.call(http.MethodDelete, "/api/v1/policies/"+args[1], nil)
	case "list":
		return c.call(http.MethodGet, "/api/v1/policies", nil)
	default:
		return fmt.Errorf("unknown grant subcommand %q", args[0])
	}
}

func (c *cli) handleAlloc(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: towergate alloc <assign|remove|list|cleanup>")
	}
	switch args[0] {
	case "assign":
		fs := flag.NewFlagSet("alloc assign", flag.ExitOnError)
		ip := fs.String("ip", "", "proxy IP")
		gateID := fs.Int64("gate", 0, "gate ID")
		serverID := fs.Int64("server", 0, "server ID")
		personID := fs.Int64("person", 0, "person ID (optional)")
		ttl := fs.Int("ttl-minutes", 0, "allocation lifetime (0 = permanent)")
		fs.Parse(args[1:])

		return c.call(http.MethodPost, "/api/v1/allocations", map[string]any{
			"ip": *ip, "gate_id": *gateID, "server_id": *serverID,
			"person_id": *personID, "ttl_minutes": *ttl,
		})
	case "remove":
		fs := flag.NewFlagSet("alloc remove", flag.ExitOnError)
		ip := fs.String("ip", "", "proxy IP")
		gateID := fs.Int64("gate", 0, "gate ID")
		fs.Parse(args[1:])
		return c.call(http.MethodDelete,
			fmt.Sprintf("/api/v1/allocations?ip=%s&gate_id=%d", *ip, *gateID), nil)
	case "list":
		fs := flag.NewFlagSet("alloc list", flag.ExitOnError)
		gateID := fs.Int64("gate", 0, "filter by gate ID")
		fs.Parse(args[1:])
		path := "/api/v1/allocations"
		if *gateID != 0 {
			path = fmt.Sprintf("%s?gate_id=%d", path, *gateID)
		}
		return c.call(http.MethodGet, path, nil)
	case "cleanup":
		return c.call(http.MethodPost, "/api/v1/allocations/cleanup", nil)
	default:
		return fmt.Errorf("unknown alloc subcommand %q", args[0])
	}
}

func (c *cli) handleSessions(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: towergate sessions <list|kill>")
	}
	switch args[0] {
	case "list":
		return c.call(http.MethodGet, "/api/v1/sessions/active", nil)
	case "kill":
		if len(args) < 2 {
			return fmt.Errorf("usage: towergate sessions kill <session-id>")
		}
		return c.call(http.MethodPost, "/api/v1/sessions/"+args[1]+"/force-disconnect", nil)
	default:
		return fmt.Errorf("unknown sessions subcommand %q", args[0])
	}
}

func (c *cli) handleGates(args []string) error {
	if len(args) < 1 || args[0] == "status" || args[0] == "list" {
		return c.call(http.MethodGet, "/api/v1/gates/status", nil)
	}
	return fmt.Errorf("unknown gates subcommand %q", args[0])
}

// call performs one API request and pretty-prints the JSON response.
func (c *cli) call(method, path string, body any) error {
	if c.token == "" {
		return fmt.Errorf("TOWERGATE_TOKEN is not set")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tower unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
