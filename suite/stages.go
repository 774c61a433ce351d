package suite

import (
	"time"

	"github.com/perfgo/smokerun/model"
	"github.com/perfgo/smokerun/verify"
)

// stages records stage outcomes in execution order and remembers which
// stage was running last, for timeout attribution.
type stages struct {
	list    []model.Stage
	current string
}

func (s *stages) do(name string, fn func() (string, error)) error {
	s.current = name
	start := time.Now()
	detail, err := fn()
	st := model.Stage{
		Name:     name,
		Status:   model.StatusPassed,
		Duration: time.Since(start),
		Detail:   detail,
	}
	if err != nil {
		st.Status = model.StatusFailed
		st.Detail = err.Error()
	}
	s.list = append(s.list, st)
	return err
}

func (s *stages) probes(results []verify.Result) {
	for _, r := range results {
		st := model.Stage{
			Name:     "probe:" + r.Name,
			Status:   r.Status,
			Duration: r.Duration,
			Detail:   r.Detail,
		}
		if r.Err != nil {
			st.Detail = r.Err.Error()
			s.current = st.Name
		}
		s.list = append(s.list, st)
	}
}

// timedOut marks the interrupted stage. A stage that never got to record a
// result is appended.
func (s *stages) timedOut() {
	if s.current == "" {
		return
	}
	for i := range s.list {
		if s.list[i].Name == s.current {
			s.list[i].Status = model.StatusTimedOut
			return
		}
	}
	s.list = append(s.list, model.Stage{Name: s.current, Status: model.StatusTimedOut})
}
