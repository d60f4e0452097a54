package main

import (
	"bytes"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/coyote/internal/device"
	"github.com/srg/coyote/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs cobra commands against an injected adapter with
// colors off and every command flag reset between tests.
type CommandTestSuite struct {
	suite.Suite

	Adapter         *testutils.MockAdapter
	originalFactory func(*logrus.Logger) device.Adapter
	originalNoColor bool
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalFactory = adapterFactory
	s.originalNoColor = color.NoColor
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	adapterFactory = s.originalFactory
	color.NoColor = s.originalNoColor
}

func (s *CommandTestSuite) SetupTest() {
	s.Adapter = &testutils.MockAdapter{}
	adapterFactory = func(*logrus.Logger) device.Adapter { return s.Adapter }
	resetFlags()
}

// ExecuteCommand runs the root command with args, returns stdout and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags restores every flag to its default so tests don't leak state.
func resetFlags() {
	for _, cmd := range []*cobra.Command{rootCmd, runCmd, scanCmd, frameEncodeCmd, frameParamsCmd, frameDecodeCmd} {
		cmd.Flags().VisitAll(resetFlag)
		cmd.PersistentFlags().VisitAll(resetFlag)
	}
}

func resetFlag(f *pflag.Flag) {
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		_ = sv.Replace(nil)
	} else {
		_ = f.Value.Set(f.DefValue)
	}
	f.Changed = false
}
