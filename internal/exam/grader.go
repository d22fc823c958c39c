package exam

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// UserAnswer is a submitted value. Clients send a string ("A", "A,C",
// "true"), a JSON boolean, or a list of labels.
type UserAnswer struct {
	Text   string
	Labels []string
	isList bool
}

func TextAnswer(s string) UserAnswer { return UserAnswer{Text: s} }

func LabelsAnswer(labels ...string) UserAnswer {
	return UserAnswer{Labels: append([]string(nil), labels...), isList: true}
}

func (a *UserAnswer) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*a = UserAnswer{}
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = UserAnswer{Text: s}
		return nil
	case '[':
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return errors.New("answer list must contain only strings")
		}
		*a = UserAnswer{Labels: list, isList: true}
		return nil
	case 't', 'f':
		var v bool
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		if v {
			*a = UserAnswer{Text: "true"}
		} else {
			*a = UserAnswer{Text: "false"}
		}
		return nil
	default:
		return errors.New("answer must be a string, boolean or list of strings")
	}
}

func (a UserAnswer) MarshalJSON() ([]byte, error) {
	if a.isList {
		labels := a.Labels
		if labels == nil {
			labels = []string{}
		}
		return json.Marshal(labels)
	}
	return json.Marshal(a.Text)
}

// String renders the answer the way it is stored on wrong-question rows.
func (a UserAnswer) String() string {
	if a.isList {
		return strings.Join(a.Labels, ",")
	}
	return a.Text
}

func (a UserAnswer) labelSet() []string {
	if a.isList {
		return normalizeLabelSet(a.Labels)
	}
	return splitLabels(a.Text)
}

// Grade reports whether answer is fully correct for q. There is no partial
// credit, and question types without an automatic key are never correct.
func Grade(q Question, answer UserAnswer) bool {
	switch k := q.Key.(type) {
	case SingleChoiceKey:
		selected := answer.labelSet()
		return len(selected) == 1 && selected[0] == k.correct
	case MultipleChoiceKey:
		return equalSet(answer.labelSet(), k.correct)
	case TrueFalseKey:
		v, ok := parseTrueFalse(answer.String())
		return ok && v == k.Answer
	default:
		return false
	}
}

func normalizeLabel(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func splitLabels(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeLabelSet(strings.Split(s, ","))
}

func normalizeLabelSet(in []string) []string {
	set := map[string]struct{}{}
	for _, v := range in {
		s := normalizeLabel(v)
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func equalSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	aa := append([]string(nil), a...)
	bb := append([]string(nil), b...)
	sort.Strings(aa)
	sort.Strings(bb)
	for i := range aa {
		if aa[i] != bb[i] {
			return false
		}
	}
	return true
}

func parseTrueFalse(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "1", "对", "正确":
		return true, true
	case "false", "f", "no", "0", "错", "错误":
		return false, true
	default:
		return false, false
	}
}
