// Command simulate replays canned authentication traffic against a running
// sharing-api server and prints the alerts each scenario produced.
//
// Usage:
//
//	go run ./cmd/simulate [-url http://localhost:8080] [-seed 42]
//
// Scenarios:
//   - normal: one player, one session, one IP (no alerts expected)
//   - shared-ips: one key used from many addresses (MULTIPLE_IPS)
//   - shared-sessions: one key held open by several clients (CONCURRENT_SESSIONS)
//   - travel: New York then Tokyo sent back to back, so the jump is reported
//     as instant (IMPOSSIBLE_TRAVEL)
//
// Each scenario uses its own API key suffixed with the seed, so reruns
// against the same server only collide when the seed is reused.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"authwatch/sharing-api/internal/domain"
)

// step is one request of a scenario.
type step struct {
	event       domain.Event
	executionIP string // sent as X-Forwarded-For
}

type scenario struct {
	name  string
	steps []step
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "server base URL")
	seed := flag.Int64("seed", 42, "random seed; also namespaces the API keys")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	client := &http.Client{Timeout: 10 * time.Second}
	endpoint := *baseURL + "/api/v1/auth-events"

	scenarios := []scenario{
		normalPlayer(rng, *seed),
		sharedIPs(rng, *seed),
		sharedSessions(rng, *seed),
		impossibleTravel(rng, *seed),
	}

	failed := false
	for _, sc := range scenarios {
		counts := make(map[domain.AlertType]int)
		for i, st := range sc.steps {
			res, err := send(client, endpoint, st)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: step %d: %v\n", sc.name, i+1, err)
				failed = true
				break
			}
			for _, a := range res.Alerts {
				counts[a.Type]++
			}
		}
		fmt.Printf("%-16s %2d requests  %s\n", sc.name, len(sc.steps), summarize(counts))
	}

	if failed {
		os.Exit(1)
	}
}

func send(client *http.Client, endpoint string, st step) (*domain.Result, error) {
	body, err := json.Marshal(st.event)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if st.executionIP != "" {
		req.Header.Set("X-Forwarded-For", st.executionIP)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var res domain.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &res, nil
}

func summarize(counts map[domain.AlertType]int) string {
	if len(counts) == 0 {
		return "no alerts"
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)

	out := ""
	for i, t := range types {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s x%d", t, counts[domain.AlertType(t)])
	}
	return out
}

// ─── Scenarios ────────────────────────────────────────────────────────────────

func normalPlayer(rng *rand.Rand, seed int64) scenario {
	key := fmt.Sprintf("sim-normal-%d", seed)
	ip := randomIP(rng, 177)
	steps := make([]step, 5)
	for i := range steps {
		steps[i] = step{
			event: domain.Event{
				APIKey:    key,
				SessionID: "session-main",
				Username:  flex("carlos"),
				UserID:    flex("1001"),
				IPAddress: &ip,
				Latitude:  ptr(-23.55 + jitter(rng)),
				Longitude: ptr(-46.63 + jitter(rng)),
			},
			executionIP: ip,
		}
	}
	return scenario{name: "normal", steps: steps}
}

func sharedIPs(rng *rand.Rand, seed int64) scenario {
	key := fmt.Sprintf("sim-shared-ips-%d", seed)
	steps := make([]step, 6)
	for i := range steps {
		ip := randomIP(rng, 180+i)
		steps[i] = step{
			event: domain.Event{
				APIKey:    key,
				SessionID: "session-main",
				Username:  flex("sofia"),
				IPAddress: &ip,
			},
			executionIP: ip,
		}
	}
	return scenario{name: "shared-ips", steps: steps}
}

func sharedSessions(rng *rand.Rand, seed int64) scenario {
	key := fmt.Sprintf("sim-shared-sessions-%d", seed)
	ip := randomIP(rng, 190)
	steps := make([]step, 4)
	for i := range steps {
		steps[i] = step{
			event: domain.Event{
				APIKey:    key,
				SessionID: fmt.Sprintf("session-%c", 'a'+i),
				Username:  flex("diego"),
			},
			// No ipAddress in the body: the server falls back to the
			// forwarded address.
			executionIP: ip,
		}
	}
	return scenario{name: "shared-sessions", steps: steps}
}

func impossibleTravel(rng *rand.Rand, seed int64) scenario {
	key := fmt.Sprintf("sim-travel-%d", seed)
	nyc, tokyo := randomIP(rng, 23), randomIP(rng, 126)
	return scenario{name: "travel", steps: []step{
		{
			event: domain.Event{
				APIKey: key, SessionID: "session-main", Username: flex("ana"),
				IPAddress: &nyc, Latitude: ptr(40.7128), Longitude: ptr(-74.0060),
			},
			executionIP: nyc,
		},
		{
			event: domain.Event{
				APIKey: key, SessionID: "session-main", Username: flex("ana"),
				IPAddress: &tokyo, Latitude: ptr(35.6762), Longitude: ptr(139.6503),
			},
			executionIP: tokyo,
		},
	}}
}

// ─── Utilities ────────────────────────────────────────────────────────────────

func randomIP(rng *rand.Rand, first int) string {
	return fmt.Sprintf("%d.%d.%d.%d", first, rng.Intn(256), rng.Intn(256), 1+rng.Intn(254))
}

// jitter returns a small coordinate offset, well under a kilometre.
func jitter(rng *rand.Rand) float64 {
	return (rng.Float64() - 0.5) / 200
}

func flex(s string) *domain.FlexString {
	v := domain.FlexString(s)
	return &v
}

func ptr[T any](v T) *T { return &v }
