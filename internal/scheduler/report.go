package scheduler

import (
	"bufio"
	"encoding/json"
	"strings"
)

// The agent reports structured outcomes by printing marker-prefixed JSON
// lines. Lines that fail to parse are skipped; the surrounding text is free
// form.
const (
	gateMarker = "RALPH_GATE: "
	prMarker   = "RALPH_PR: "
)

// GateReport is one gate outcome reported by the agent.
type GateReport struct {
	Gate    string `json:"gate"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

// PROpened is the agent's report of the pull request it opened.
type PROpened struct {
	Number  int    `json:"number"`
	HeadRef string `json:"headRef"`
}

// ParseStageOutput extracts gate reports and the opened-PR report from one
// stage's output. The last PR line wins when the agent prints several.
func ParseStageOutput(output string) ([]GateReport, *PROpened) {
	var gates []GateReport
	var pr *PROpened

	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 64*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, gateMarker):
			var g GateReport
			if err := json.Unmarshal([]byte(line[len(gateMarker):]), &g); err != nil || g.Gate == "" {
				continue
			}
			gates = append(gates, g)
		case strings.HasPrefix(line, prMarker):
			var p PROpened
			if err := json.Unmarshal([]byte(line[len(prMarker):]), &p); err != nil || p.Number == 0 {
				continue
			}
			pr = &p
		}
	}
	return gates, pr
}
