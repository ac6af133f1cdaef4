package portresolve_test

import (
	"errors"
	"testing"

	"github.com/printhive/edge-agent/internal/portresolve"
)

func TestResolve_ExactAliasHit(t *testing.T) {
	ports := []portresolve.Port{
		{Name: "/dev/ttyUSB0", Alias: "front-left"},
		{Name: "/dev/ttyUSB1", Alias: "front-right"},
	}
	got, err := portresolve.Resolve("front-left", ports)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "/dev/ttyUSB0" {
		t.Fatalf("expected /dev/ttyUSB0, got %s", got.Name)
	}
}

func TestResolve_ExactDeviceNameHit(t *testing.T) {
	ports := []portresolve.Port{
		{Name: "/dev/ttyUSB0", Alias: "front-left"},
	}
	got, err := portresolve.Resolve("/dev/ttyUSB0", ports)
	if err != nil {
		t.Fatal(err)
	}
	if got.Alias != "front-left" {
		t.Fatalf("expected front-left, got %s", got.Alias)
	}
}

func TestResolve_PartialHit(t *testing.T) {
	ports := []portresolve.Port{
		{Name: "/dev/ttyUSB0", Alias: "front-left"},
		{Name: "/dev/ttyUSB1", Alias: "rear-right"},
	}
	got, err := portresolve.Resolve("frnt", ports)
	if err != nil {
		t.Fatal(err)
	}
	if got.Alias != "front-left" {
		t.Fatalf("expected front-left, got %s", got.Alias)
	}
}

func TestResolve_CaseInsensitive(t *testing.T) {
	ports := []portresolve.Port{{Name: "/dev/ttyUSB0", Alias: "front-left"}}
	got, err := portresolve.Resolve("FRONT-LEFT", ports)
	if err != nil {
		t.Fatal(err)
	}
	if got.Alias != "front-left" {
		t.Fatalf("expected front-left, got %s", got.Alias)
	}
}

func TestResolve_NoMatch(t *testing.T) {
	ports := []portresolve.Port{{Name: "/dev/ttyUSB0", Alias: "front-left"}}
	_, err := portresolve.Resolve("zzz-nope", ports)
	if err == nil {
		t.Fatal("expected error for no match")
	}
}

func TestResolve_Ambiguous(t *testing.T) {
	ports := []portresolve.Port{
		{Name: "/dev/ttyUSB0", Alias: "left-a"},
		{Name: "/dev/ttyUSB1", Alias: "left-b"},
	}
	_, err := portresolve.Resolve("left", ports)
	if err == nil {
		t.Fatal("expected ambiguity error")
	}
	var ae *portresolve.AmbiguousError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AmbiguousError, got %T: %v", err, err)
	}
	if len(ae.Matches) == 0 {
		t.Fatalf("expected candidates in ambiguity error: %+v", ae)
	}
}

func TestResolve_PrefersExactOverFuzzy(t *testing.T) {
	ports := []portresolve.Port{
		{Name: "/dev/ttyUSB0", Alias: "left"},
		{Name: "/dev/ttyUSB1", Alias: "left-annex"},
	}
	got, err := portresolve.Resolve("left", ports)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "/dev/ttyUSB0" {
		t.Fatalf("expected exact match /dev/ttyUSB0, got %s", got.Name)
	}
}

func TestResolve_EmptyQuery(t *testing.T) {
	ports := []portresolve.Port{{Name: "/dev/ttyUSB0", Alias: "front-left"}}
	_, err := portresolve.Resolve("", ports)
	if err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestResolve_EmptyPorts(t *testing.T) {
	_, err := portresolve.Resolve("front-left", nil)
	if err == nil {
		t.Fatal("expected error for empty port list")
	}
}

func TestResolveAll_RanksBestFirst(t *testing.T) {
	ports := []portresolve.Port{
		{Name: "/dev/ttyUSB0", Alias: "front-left"},
		{Name: "/dev/ttyUSB1", Alias: "front-right"},
		{Name: "/dev/ttyUSB2", Alias: "rear-left"},
	}
	matches := portresolve.ResolveAll("front", ports, 2)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
}
