// File: internal/adb/apps_test.go
package adb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupResolver(t *testing.T) (*appResolver, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	return newAppResolver(zaptest.NewLogger(t), ch), ch
}

func TestAppResolver_AliasTable(t *testing.T) {
	resolver, ch := setupResolver(t)

	tests := []struct {
		name string
		want string
	}{
		{"settings", "com.android.settings"},
		{"Settings", "com.android.settings"},
		{"  SETTINGS  ", "com.android.settings"},
		{"WeChat", "com.tencent.mm"},
		{"Play Store", "com.android.vending"},
	}
	for _, tc := range tests {
		pkg, err := resolver.Resolve(context.Background(), tc.name)
		require.NoError(t, err, "name %q", tc.name)
		assert.Equal(t, tc.want, pkg, "name %q", tc.name)
	}

	assert.Empty(t, ch.sent(), "alias hits must not scan the package list")
}

func TestAppResolver_FuzzyScan(t *testing.T) {
	resolver, ch := setupResolver(t)
	ch.script("pm list packages", Result{Success: true, Stdout: `package:com.example.notes
package:org.mozilla.firefox
package:com.android.systemui
`}, nil)

	pkg, err := resolver.Resolve(context.Background(), "Firefox")
	require.NoError(t, err)
	assert.Equal(t, "org.mozilla.firefox", pkg)
}

func TestAppResolver_SubstringMatch(t *testing.T) {
	resolver, ch := setupResolver(t)
	ch.script("pm list packages", Result{Success: true, Stdout: `package:com.notesapp.android
package:com.android.systemui
`}, nil)

	pkg, err := resolver.Resolve(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, "com.notesapp.android", pkg)
}

func TestAppResolver_BelowThresholdFails(t *testing.T) {
	resolver, ch := setupResolver(t)
	ch.script("pm list packages", Result{Success: true, Stdout: "package:com.android.systemui\n"}, nil)

	_, err := resolver.Resolve(context.Background(), "zzzzqqqq")
	assert.Error(t, err)
}

func TestAppResolver_EmptyName(t *testing.T) {
	resolver, _ := setupResolver(t)
	_, err := resolver.Resolve(context.Background(), "   ")
	assert.Error(t, err)
}

func TestMatchScore(t *testing.T) {
	assert.Equal(t, 1.0, matchScore("firefox", "org.mozilla.firefox"), "exact segment")
	assert.Equal(t, 0.9, matchScore("fire", "org.mozilla.firefox"), "substring")
	assert.Less(t, matchScore("zzzz", "org.mozilla.firefox"), 0.5, "noise")
}

func TestOverlapRatio(t *testing.T) {
	assert.Equal(t, 1.0, overlapRatio("abc", "cab"))
	assert.Equal(t, 0.5, overlapRatio("ab", "ax"))
	assert.Equal(t, 0.0, overlapRatio("ab", "xy"))
	assert.Equal(t, 0.0, overlapRatio("", "anything"))
}
