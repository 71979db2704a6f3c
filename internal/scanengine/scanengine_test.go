package scanengine

import (
	"context"
	"testing"

	"github.com/ipsix/plugboard/internal/hostregistry"
	"github.com/ipsix/plugboard/internal/logging"
	"github.com/ipsix/plugboard/internal/plugininfo"
)

type fakeLoader struct {
	id    string
	infos []*plugininfo.Info
	err   error
}

func (f *fakeLoader) Identity() string { return f.id }
func (f *fakeLoader) Scan(ctx context.Context) ([]*plugininfo.Info, error) {
	return f.infos, f.err
}

func newInfo(id, version string) *plugininfo.Info {
	return &plugininfo.Info{Identifier: id, Version: plugininfo.ParseVersion(version)}
}

func newEngine() (*Engine, *hostregistry.Registry) {
	logger := logging.New("text")
	registry := hostregistry.New(nil, logger)
	return New(registry, logger, nil, nil), registry
}

func TestScanInstallsNewlyDiscoveredPlugins(t *testing.T) {
	engine, registry := newEngine()
	engine.RegisterLoader(&fakeLoader{id: "l1", infos: []*plugininfo.Info{newInfo("a", "1.0.0")}})

	run, err := engine.Scan(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Installed != 1 {
		t.Fatalf("expected 1 install, got %d", run.Installed)
	}
	if state, ok := registry.GetPluginState("a"); !ok || state != plugininfo.StateInstalled {
		t.Fatalf("expected a to be installed, got %v ok=%v", state, ok)
	}
	if !registry.RefcountBalance() {
		t.Fatalf("expected refcounts to balance after a scan")
	}
}

func TestScanWithoutUpgradeLeavesExistingInstall(t *testing.T) {
	engine, registry := newEngine()
	if err := registry.InstallPlugin(newInfo("a", "1.0.0"), "preexisting"); err != nil {
		t.Fatalf("preinstall: %v", err)
	}
	engine.RegisterLoader(&fakeLoader{id: "l1", infos: []*plugininfo.Info{newInfo("a", "2.0.0")}})

	run, err := engine.Scan(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Upgraded != 0 || run.Installed != 0 {
		t.Fatalf("expected no upgrade without the Upgrade flag, got upgraded=%d installed=%d", run.Upgraded, run.Installed)
	}
}

func TestScanWithUpgradeFlagReplacesOlderVersion(t *testing.T) {
	engine, registry := newEngine()
	if err := registry.InstallPlugin(newInfo("a", "1.0.0"), "preexisting"); err != nil {
		t.Fatalf("preinstall: %v", err)
	}
	engine.RegisterLoader(&fakeLoader{id: "l1", infos: []*plugininfo.Info{newInfo("a", "2.0.0")}})

	run, err := engine.Scan(context.Background(), Upgrade)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Upgraded != 1 {
		t.Fatalf("expected 1 upgrade, got %d", run.Upgraded)
	}
	infos := registry.GetPluginsInfo()
	if len(infos) != 1 || infos[0].Version.String() != "2.0.0" {
		t.Fatalf("expected the upgraded version to be installed, got %+v", infos)
	}
}

func TestScanAcrossTwoLoadersKeepsHighestVersion(t *testing.T) {
	engine, registry := newEngine()
	engine.RegisterLoader(&fakeLoader{id: "l1", infos: []*plugininfo.Info{newInfo("a", "1.0.0")}})
	engine.RegisterLoader(&fakeLoader{id: "l2", infos: []*plugininfo.Info{newInfo("a", "3.0.0")}})

	run, err := engine.Scan(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Installed != 1 {
		t.Fatalf("expected exactly one install across both loaders, got %d", run.Installed)
	}
	infos := registry.GetPluginsInfo()
	if len(infos) != 1 || infos[0].Version.String() != "3.0.0" {
		t.Fatalf("expected the higher version from l2 to win, got %+v", infos)
	}
	if !registry.RefcountBalance() {
		t.Fatalf("expected refcounts to balance once the higher version displaces the lower")
	}
}

func TestScanWithFailingLoaderContinuesWithOthers(t *testing.T) {
	engine, registry := newEngine()
	engine.RegisterLoader(&fakeLoader{id: "l1", err: context.DeadlineExceeded})
	engine.RegisterLoader(&fakeLoader{id: "l2", infos: []*plugininfo.Info{newInfo("a", "1.0.0")}})

	run, err := engine.Scan(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Installed != 1 {
		t.Fatalf("expected l2's plugin to still be installed despite l1 failing, got %d", run.Installed)
	}
	if _, ok := registry.GetPluginState("a"); !ok {
		t.Fatalf("expected a to be installed")
	}
}

func TestScanRestartActiveAfterUpgrade(t *testing.T) {
	engine, registry := newEngine()
	if err := registry.InstallPlugin(newInfo("a", "1.0.0"), "preexisting"); err != nil {
		t.Fatalf("preinstall: %v", err)
	}
	if err := registry.StartPlugin("a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.RegisterLoader(&fakeLoader{id: "l1", infos: []*plugininfo.Info{newInfo("a", "2.0.0")}})

	run, err := engine.Scan(context.Background(), Upgrade|StopAllOnUpgrade|RestartActive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Upgraded != 1 {
		t.Fatalf("expected the running plugin's upgrade to have stopped it first, got upgraded=%d", run.Upgraded)
	}
	if run.Restarted != 1 {
		t.Fatalf("expected the upgraded plugin to be restarted, got %d", run.Restarted)
	}
	state, _ := registry.GetPluginState("a")
	if state != plugininfo.StateActive {
		t.Fatalf("expected a to be ACTIVE again after restart, got %v", state)
	}
}

func TestScanStopAllOnInstallStopsRunningPlugins(t *testing.T) {
	engine, registry := newEngine()
	if err := registry.InstallPlugin(newInfo("existing", "1.0.0"), "preexisting"); err != nil {
		t.Fatalf("preinstall: %v", err)
	}
	if err := registry.StartPlugin("existing"); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.RegisterLoader(&fakeLoader{id: "l1", infos: []*plugininfo.Info{newInfo("new", "1.0.0")}})

	if _, err := engine.Scan(context.Background(), StopAllOnInstall); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, _ := registry.GetPluginState("existing")
	if state != plugininfo.StateInstalled {
		t.Fatalf("expected existing plugin to be stopped before installing a new one, got %v", state)
	}
}

func TestScanUpgradeWithoutStopAllOverActivePluginAbortsFatally(t *testing.T) {
	engine, registry := newEngine()
	if err := registry.InstallPlugin(newInfo("a", "1.0.0"), "preexisting"); err != nil {
		t.Fatalf("preinstall: %v", err)
	}
	if err := registry.StartPlugin("a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.RegisterLoader(&fakeLoader{id: "l1", infos: []*plugininfo.Info{newInfo("a", "2.0.0")}})

	run, err := engine.Scan(context.Background(), Upgrade)
	if err == nil {
		t.Fatalf("expected a fatal error when upgrading a running plugin without a stop-all flag")
	}
	if run.Status != StatusMalformed {
		t.Fatalf("expected StatusMalformed for an uninstall precondition violation, got %s", run.Status)
	}
	if run.Upgraded != 0 {
		t.Fatalf("expected no upgrade to have completed, got %d", run.Upgraded)
	}
	if run.Failed != 1 {
		t.Fatalf("expected the aborted uninstall to count as a failure, got %d", run.Failed)
	}
	state, ok := registry.GetPluginState("a")
	if !ok || state != plugininfo.StateActive {
		t.Fatalf("expected the plugin to remain ACTIVE after the aborted upgrade, got %v ok=%v", state, ok)
	}
}

func TestScanAbortReleasesUnprocessedEntriesRefcounts(t *testing.T) {
	engine, registry := newEngine()
	for _, id := range []string{"x", "y"} {
		if err := registry.InstallPlugin(newInfo(id, "1.0.0"), "preexisting"); err != nil {
			t.Fatalf("preinstall %s: %v", id, err)
		}
		if err := registry.StartPlugin(id); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	engine.RegisterLoader(&fakeLoader{id: "l1", infos: []*plugininfo.Info{newInfo("x", "2.0.0"), newInfo("y", "2.0.0")}})

	run, err := engine.Scan(context.Background(), Upgrade)
	if err == nil {
		t.Fatalf("expected a fatal error: both x and y are ACTIVE and cannot be uninstalled without a stop-all flag")
	}
	if run.Failed != 1 {
		t.Fatalf("expected Phase C to abort after exactly one failure, got %d", run.Failed)
	}
	if !registry.RefcountBalance() {
		t.Fatalf("expected the entry drained but never reached by Phase C to be released in the cleanup epilogue")
	}
	for _, id := range []string{"x", "y"} {
		if state, ok := registry.GetPluginState(id); !ok || state != plugininfo.StateActive {
			t.Fatalf("expected %s to remain ACTIVE after the aborted scan, got %v ok=%v", id, state, ok)
		}
	}
}

func TestLastRunWithNilStoreReportsFalse(t *testing.T) {
	if _, ok := LastRun(nil); ok {
		t.Fatalf("expected LastRun(nil) to report false")
	}
}

func TestDiscoveredCountsEveryOffer(t *testing.T) {
	engine, _ := newEngine()
	engine.RegisterLoader(&fakeLoader{id: "l1", infos: []*plugininfo.Info{newInfo("a", "1.0.0"), newInfo("b", "1.0.0")}})

	run, err := engine.Scan(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Discovered != 2 {
		t.Fatalf("expected 2 discovered, got %d", run.Discovered)
	}
}
