// Command pantomime loads one or more classfile paths and runs a main
// class's main method. The argument convention and the logger/classpath
// bootstrap it performs are adapted from original_source's bin/vm.rs,
// with the hand-rolled std::env::args() walk replaced by cobra, the CLI
// library the rest of the retrieval pack reaches for.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pantomime/internal/classloader"
	"pantomime/internal/vm"
)

var (
	verbose   bool
	logFormat string
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pantomime <classpath-entry>... <main-class>",
		Short: "Runs a JVM classfile's main method",
		Args:  cobra.MinimumNArgs(2),
		RunE:  run,
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", `log output format: "text" or "json"`)
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}

	classpathEntries, mainClass := args[:len(args)-1], args[len(args)-1]

	loader := classloader.New(log)
	for _, entry := range classpathEntries {
		log.WithField("path", entry).Debug("adding classpath entry")
		loader.AddClasspath(entry)
	}
	if err := loader.Preload(); err != nil {
		return err
	}

	log.WithField("class", mainClass).Info("starting VM")
	machine := vm.New(loader, log, os.Stdout)
	return machine.Run(mainClass)
}

// newLogger builds the root logger per --verbose/--log-format, writing to
// stderr so stdout stays reserved for the interpreter's "OUT: " lines.
func newLogger() (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	switch logFormat {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown --log-format %q: want \"text\" or \"json\"", logFormat)
	}
	return log, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
