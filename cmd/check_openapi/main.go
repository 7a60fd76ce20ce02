package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths      map[string]map[string]operation `yaml:"paths"`
	Components struct {
		Responses map[string]any    `yaml:"responses"`
		Schemas   map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type operation struct {
	Responses map[string]struct {
		Ref string `yaml:"$ref"`
	} `yaml:"responses"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

// servedRoutes lists the operations both services register.
var servedRoutes = map[string][]string{
	"/books":              {"get", "post"},
	"/borrow":             {"post"},
	"/return":             {"post"},
	"/borrows":            {"get"},
	"/auth/register":      {"post"},
	"/auth/token":         {"post"},
	"/auth/token/refresh": {"post"},
	"/auth/logout":        {"post"},
	"/auth/ping":          {"get"},
	"/auth/jwks":          {"get"},
}

// bodyShapes lists the string fields each response schema must require.
var bodyShapes = map[string][]string{
	"MessageResponse": {"message"},
	"ErrorResponse":   {"error"},
	"TokenPair":       {"access", "refresh"},
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if errs := check(doc); len(errs) > 0 {
		exitErr(errors.Join(errs...))
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func check(doc openAPIDoc) []error {
	var errs []error
	paths := make([]string, 0, len(servedRoutes))
	for path := range servedRoutes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		ops, ok := doc.Paths[path]
		if !ok {
			errs = append(errs, fmt.Errorf("path %s missing", path))
			continue
		}
		for _, method := range servedRoutes[path] {
			if _, ok := ops[method]; !ok {
				errs = append(errs, fmt.Errorf("%s %s missing", strings.ToUpper(method), path))
			}
		}
	}
	for path, ops := range doc.Paths {
		for method, op := range ops {
			for status, resp := range op.Responses {
				if resp.Ref == "" {
					continue
				}
				name, ok := strings.CutPrefix(resp.Ref, "#/components/responses/")
				if _, found := doc.Components.Responses[name]; !ok || !found {
					errs = append(errs, fmt.Errorf("%s %s %s references unknown response %q", strings.ToUpper(method), path, status, resp.Ref))
				}
			}
		}
	}
	names := make([]string, 0, len(bodyShapes))
	for name := range bodyShapes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := validateStringObject(doc, name, bodyShapes[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func validateStringObject(doc openAPIDoc, name string, fields []string) error {
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return fmt.Errorf("schema %q missing", name)
	}
	if s.Type != "object" {
		return fmt.Errorf("%s must be object", name)
	}
	required := makeSet(s.Required)
	for _, field := range fields {
		if !required[field] {
			return fmt.Errorf("%s.required must include %q", name, field)
		}
		if prop, ok := s.Properties[field]; !ok || prop.Type != "string" {
			return fmt.Errorf("%s.%s must be string", name, field)
		}
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
