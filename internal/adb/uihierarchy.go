// File: internal/adb/uihierarchy.go
package adb

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/beevik/etree"
)

const uiDumpPath = "/sdcard/window_dump.xml"

// UIElement is one node of the accessibility hierarchy, flattened for
// logging and diagnostics.
type UIElement struct {
	Class      string
	ResourceID string
	Text       string
	Desc       string
	Clickable  bool
	// Bounds in device pixels.
	X1, Y1, X2, Y2 int
}

// Center returns the midpoint of the element's bounds.
func (e UIElement) Center() (int, int) {
	return (e.X1 + e.X2) / 2, (e.Y1 + e.Y2) / 2
}

var boundsRe = regexp.MustCompile(`\[(\d+),(\d+)\]\[(\d+),(\d+)\]`)

// DumpUIHierarchy captures the current accessibility tree via uiautomator
// and returns the interesting nodes: anything carrying text, a description
// or a resource id. Purely diagnostic; the agent acts on screenshots, not
// on the hierarchy.
func (d *Device) DumpUIHierarchy(ctx context.Context) ([]UIElement, error) {
	res, err := d.ch.Execute(ctx, "uiautomator dump "+uiDumpPath)
	if err != nil {
		return nil, fmt.Errorf("uiautomator dump: %w", err)
	}
	if !res.Success {
		return nil, fmt.Errorf("uiautomator dump exited %d", res.ExitCode)
	}

	content, err := d.ch.Execute(ctx, "cat "+uiDumpPath)
	if err != nil {
		return nil, fmt.Errorf("read ui dump: %w", err)
	}
	if !content.Success {
		return nil, fmt.Errorf("read ui dump exited %d", content.ExitCode)
	}

	return parseUIHierarchy(content.Stdout)
}

func parseUIHierarchy(xml string) ([]UIElement, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, fmt.Errorf("parse ui hierarchy: %w", err)
	}

	var elements []UIElement
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("ui hierarchy has no root element")
	}
	collectUIElements(root, &elements)
	return elements, nil
}

func collectUIElements(el *etree.Element, out *[]UIElement) {
	if el.Tag == "node" {
		node := UIElement{
			Class:      el.SelectAttrValue("class", ""),
			ResourceID: el.SelectAttrValue("resource-id", ""),
			Text:       el.SelectAttrValue("text", ""),
			Desc:       el.SelectAttrValue("content-desc", ""),
			Clickable:  el.SelectAttrValue("clickable", "false") == "true",
		}
		if m := boundsRe.FindStringSubmatch(el.SelectAttrValue("bounds", "")); m != nil {
			node.X1, _ = strconv.Atoi(m[1])
			node.Y1, _ = strconv.Atoi(m[2])
			node.X2, _ = strconv.Atoi(m[3])
			node.Y2, _ = strconv.Atoi(m[4])
		}
		if node.Text != "" || node.Desc != "" || node.ResourceID != "" {
			*out = append(*out, node)
		}
	}
	for _, child := range el.ChildElements() {
		collectUIElements(child, out)
	}
}
