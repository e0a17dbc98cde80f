package relay

import (
	"fmt"
	"regexp"
	"strings"

	"maabo/internal/config"
	"maabo/internal/model"
)

// Rule maps a line pattern to an event kind. Named groups become event fields;
// a group called "message" replaces the event text.
type Rule struct {
	Pattern string
	Kind    model.EventKind
	Level   string
}

// 引擎输出格式没有正式文档，以下规则按 maa-cli 的日志前缀整理，可通过配置覆盖。
const levelPrefix = `^\[(?:(?P<time>[^\]]*?)\s+)?`

func DefaultRules() []Rule {
	return []Rule{
		{Pattern: levelPrefix + `ERROR\s*\]\s*(?P<message>.*)$`, Kind: model.EventError, Level: "error"},
		{Pattern: levelPrefix + `WARN(?:ING)?\s*\]\s*(?P<message>.*)$`, Kind: model.EventWarning, Level: "warn"},
		{Pattern: levelPrefix + `INFO\s*\]\s*(?P<message>(?P<task>[A-Z][A-Za-z]+)\s+(?:Completed|completed|Finished|finished)\b.*)$`, Kind: model.EventTaskCompleted, Level: "info"},
		{Pattern: levelPrefix + `INFO\s*\]\s*(?P<message>(?P<task>[A-Z][A-Za-z]+)\s+(?:Start|start|Started|started)\b.*)$`, Kind: model.EventProgress, Level: "info"},
		{Pattern: levelPrefix + `INFO\s*\]\s*(?P<message>.*)$`, Kind: model.EventProgress, Level: "info"},
		{Pattern: levelPrefix + `(?:DEBUG|TRACE)\s*\]\s*(?P<message>.*)$`, Kind: model.EventLog, Level: "debug"},
		{Pattern: `^(?P<message>(?:panic|thread '.*' panicked|Error:).*)$`, Kind: model.EventError, Level: "error"},
	}
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

type compiledRule struct {
	re    *regexp.Regexp
	kind  model.EventKind
	level string
}

type Classifier struct {
	rules []compiledRule
}

// Classification is the typed view of one output line.
type Classification struct {
	Kind    model.EventKind
	Level   string
	Message string
	Fields  map[string]any
}

// NewClassifier compiles rules in order; the first match wins.
func NewClassifier(rules []Rule) (*Classifier, error) {
	c := &Classifier{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("relay rule %d: %w", i, err)
		}
		kind := r.Kind
		switch kind {
		case model.EventProgress, model.EventTaskCompleted, model.EventWarning, model.EventError, model.EventLog:
		case "":
			kind = model.EventLog
		default:
			return nil, fmt.Errorf("relay rule %d: unsupported kind %q", i, r.Kind)
		}
		level := strings.ToLower(strings.TrimSpace(r.Level))
		if level == "" {
			level = defaultLevel(kind)
		}
		c.rules = append(c.rules, compiledRule{re: re, kind: kind, level: level})
	}
	return c, nil
}

// ClassifierFromConfig 配置中的规则排在默认规则之前，先匹配先生效。
func ClassifierFromConfig(rules []config.RelayRule) (*Classifier, error) {
	all := make([]Rule, 0, len(rules)+len(DefaultRules()))
	for _, r := range rules {
		all = append(all, Rule{Pattern: r.Pattern, Kind: model.EventKind(strings.TrimSpace(r.Kind)), Level: r.Level})
	}
	return NewClassifier(append(all, DefaultRules()...))
}

func MustDefaultClassifier() *Classifier {
	c, err := NewClassifier(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

func defaultLevel(kind model.EventKind) string {
	switch kind {
	case model.EventError:
		return "error"
	case model.EventWarning:
		return "warn"
	case model.EventLog:
		return "debug"
	default:
		return "info"
	}
}

func (c *Classifier) Classify(line string) Classification {
	clean := strings.TrimRight(ansiPattern.ReplaceAllString(line, ""), "\r\n")
	for _, r := range c.rules {
		m := r.re.FindStringSubmatch(clean)
		if m == nil {
			continue
		}
		out := Classification{Kind: r.kind, Level: r.level, Message: clean}
		for i, name := range r.re.SubexpNames() {
			if name == "" || m[i] == "" {
				continue
			}
			if name == "message" {
				out.Message = strings.TrimSpace(m[i])
				continue
			}
			if out.Fields == nil {
				out.Fields = make(map[string]any)
			}
			out.Fields[name] = m[i]
		}
		return out
	}
	return Classification{Kind: model.EventLog, Level: "info", Message: clean}
}
