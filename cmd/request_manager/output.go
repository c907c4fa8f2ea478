package main

import (
	"fmt"
	"text/template"

	"github.com/AarC10/ipcbench/proc"
)

type outputFormatType int

const (
	outputFormatTypeText outputFormatType = iota
	outputFormatTypeJSON
	outputFormatTypeTemplate
)

// outputFormatFlagValue is the -format flag: "text", "json", or a Go
// template executed against the report.
type outputFormatFlagValue struct {
	formatType     outputFormatType
	templateString string
	template       *template.Template
}

func (f *outputFormatFlagValue) String() string {
	switch f.formatType {
	case outputFormatTypeJSON:
		return "json"
	case outputFormatTypeTemplate:
		return fmt.Sprintf("template: %s", f.templateString)
	case outputFormatTypeText:
		return "text"
	default:
		return "invalid output format"
	}
}

func (f *outputFormatFlagValue) Set(s string) error {
	switch s {
	case "text", "":
		f.formatType = outputFormatTypeText
	case "json":
		f.formatType = outputFormatTypeJSON
	default:
		tmpl, err := template.New("output_format").Parse(s)
		if err != nil {
			return fmt.Errorf("couldn't parse output format as template: %w", err)
		}
		f.template = tmpl
		f.templateString = s
		f.formatType = outputFormatTypeTemplate
	}
	return nil
}

func (f *outputFormatFlagValue) generateOutput(report *proc.Report) (string, error) {
	switch f.formatType {
	case outputFormatTypeText:
		return report.Text(), nil
	case outputFormatTypeJSON:
		return report.JSON()
	case outputFormatTypeTemplate:
		return report.Template(f.template)
	default:
		return "", fmt.Errorf("unexpected outputFormatType: %#v", f.formatType)
	}
}
