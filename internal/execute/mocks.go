package execute

import (
	"github.com/stretchr/testify/mock"
)

// MockRunner is a testify mock implementation of Runner.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(opts Opts, name string, args ...string) (string, string, error) {
	callArgs := make([]interface{}, 0, len(args)+2)
	callArgs = append(callArgs, opts, name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	result := m.Called(callArgs...)
	return result.String(0), result.String(1), result.Error(2)
}
