package tbd

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/appsworld/go-tbd/pkg/arch"
)

// WriteTBD serializes a populated aggregate as a tapi-tbd-v2 text stub.
// Exports are grouped by the arch set they appeared in, in order of
// first appearance; each group's lists inherit the aggregate's
// (type, string) order.
func WriteTBD(w io.Writer, ci *CreateInfo) error {
	root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!tapi-tbd-v2"}

	appendKey := func(key string, value *yaml.Node) {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key}, value)
	}

	appendKey("archs", flowList(ci.Archs.Names(), nil))

	if ci.UUIDs.Len() > 0 {
		var uuids []string
		for _, u := range ci.UUIDs.Items() {
			uuids = append(uuids, fmt.Sprintf("%s: %s", u.Arch.Name, u.UUID))
		}
		node := flowList(uuids, nil)
		for _, c := range node.Content {
			c.Style = yaml.SingleQuotedStyle
		}
		appendKey("uuids", node)
	}

	if ci.Platform != 0 {
		appendKey("platform", scalar(ci.Platform.String(), false))
	}

	var flagNames []string
	if ci.Flags.FlatNamespace() {
		flagNames = append(flagNames, "flat_namespace")
	}
	if ci.Flags.NotAppExtensionSafe() {
		flagNames = append(flagNames, "not_app_extension_safe")
	}
	if len(flagNames) > 0 {
		appendKey("flags", flowList(flagNames, nil))
	}

	if ci.InstallName != "" {
		appendKey("install-name", scalar(ci.InstallName, ci.InstallNameNeedsQuotes))
	}
	if ci.CurrentVersion != 0 {
		appendKey("current-version", scalar(ci.CurrentVersion.String(), false))
	}
	if ci.CompatVersion != 0 {
		appendKey("compatibility-version", scalar(ci.CompatVersion.String(), false))
	}
	if ci.SwiftVersion != 0 {
		appendKey("swift-version", scalar(fmt.Sprintf("%d", ci.SwiftVersion), false))
	}
	if ci.ObjCConstraint != ObjCConstraintNone {
		appendKey("objc-constraint", scalar(ci.ObjCConstraint.String(), false))
	}
	if ci.ParentUmbrella != "" {
		appendKey("parent-umbrella", scalar(ci.ParentUmbrella, ci.ParentUmbrellaNeedsQuotes))
	}

	if ci.Exports.Len() > 0 {
		appendKey("exports", exportGroups(ci.Exports.Items()))
	}
	if ci.Undefineds.Len() > 0 {
		appendKey("undefineds", exportGroups(ci.Undefineds.Items()))
	}

	if _, err := io.WriteString(w, "--- !tapi-tbd-v2\n"); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	// The tag rides on the document marker we already wrote.
	root.Tag = ""
	if err := enc.Encode(root); err != nil {
		return fmt.Errorf("failed to encode tbd document: %v", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}

	_, err := io.WriteString(w, "...\n")
	return err
}

func scalar(s string, quoted bool) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Value: s}
	if quoted {
		n.Style = yaml.SingleQuotedStyle
	}
	return n
}

func flowList(values []string, quoted []bool) *yaml.Node {
	n := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for i, v := range values {
		var q bool
		if quoted != nil {
			q = quoted[i]
		}
		n.Content = append(n.Content, scalar(v, q))
	}
	return n
}

// an exportGroup gathers every record sharing one arch set.
type exportGroup struct {
	archs arch.Set
	lists map[ExportType][]ExportInfo
}

func exportGroups(items []ExportInfo) *yaml.Node {
	var order []arch.Set
	groups := make(map[arch.Set]*exportGroup)
	for _, e := range items {
		g, ok := groups[e.Archs]
		if !ok {
			g = &exportGroup{archs: e.Archs, lists: make(map[ExportType][]ExportInfo)}
			groups[e.Archs] = g
			order = append(order, e.Archs)
		}
		g.lists[e.Type] = append(g.lists[e.Type], e)
	}

	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, set := range order {
		g := groups[set]
		m := &yaml.Node{Kind: yaml.MappingNode}
		add := func(key string, typ ExportType) {
			entries := g.lists[typ]
			if len(entries) == 0 {
				return
			}
			values := make([]string, len(entries))
			quoted := make([]bool, len(entries))
			for i, e := range entries {
				values[i] = e.String
				quoted[i] = e.NeedsQuotes
			}
			m.Content = append(m.Content,
				scalar(key, false), flowList(values, quoted))
		}

		m.Content = append(m.Content,
			scalar("archs", false), flowList(g.archs.Names(), nil))
		add("allowable-clients", ExportClient)
		add("re-exports", ExportReexport)
		add("symbols", ExportSymbol)
		add("objc-classes", ExportObjCClass)
		add("objc-ivars", ExportObjCIvar)
		add("weak-def-symbols", ExportWeakSymbol)

		seq.Content = append(seq.Content, m)
	}
	return seq
}

// Filename derives the stub's file name from the install name, the way
// the tool names outputs when writing next to the input.
func Filename(ci *CreateInfo) string {
	name := ci.InstallName
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "out"
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name + ".tbd"
}
