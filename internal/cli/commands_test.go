package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestSetAndShow(t *testing.T) {
	srv := startServer(t)

	out := srv.mustRun(t, 1, "doc", "create", "Budget")
	assert.Equal(t, "created document 1 \"Budget\"\n", out)

	out = srv.mustRun(t, 1, "set", "1", "A1", "5")
	assert.Equal(t, "Sheet1!A1 = 5\n", out)
	out = srv.mustRun(t, 1, "set", "1", "B1", "=A1*2")
	assert.Equal(t, "Sheet1!B1 = 10\n", out)
	srv.mustRun(t, 1, "set", "1", "A2", "note")

	out = srv.mustRun(t, 1, "doc", "show", "1")
	golden(t).Assert(t, "doc_show", []byte(out))
}

func TestApply_JSON(t *testing.T) {
	srv := startServer(t)
	srv.mustRun(t, 1, "doc", "create", "Script")
	srv.mustRun(t, 1, "tab", "add", "1", "Inputs")

	script := filepath.Join(t.TempDir(), "edits.yaml")
	require.NoError(t, os.WriteFile(script, []byte(`
edits:
  - cell: Inputs!A1
    value: 4
  - cell: A1
    value: "=Inputs!A1*10"
  - cell: Inputs!A1
    value: 6
`), 0o644))

	out := srv.mustRun(t, 1, "--format", "json", "apply", "1", script)

	var resp struct {
		Status string    `json:"status"`
		Data   []Written `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 3)
	assert.Equal(t, "Sheet1!A1", resp.Data[1].Cell)
	assert.Equal(t, "40", resp.Data[1].Computed.String())

	show := srv.mustRun(t, 1, "doc", "show", "1")
	assert.Contains(t, show, "A1\t=Inputs!A1*10\t60\n")
}

func TestTabCommands(t *testing.T) {
	srv := startServer(t)
	srv.mustRun(t, 1, "doc", "create", "Tabs")

	out := srv.mustRun(t, 1, "tab", "add", "1")
	assert.Equal(t, "0\t1\tSheet1\n1\t2\tSheet2\n", out)

	out = srv.mustRun(t, 1, "tab", "rename", "1", "2", "Data")
	assert.Equal(t, "0\t1\tSheet1\n1\t2\tData\n", out)

	out = srv.mustRun(t, 1, "tab", "move", "1", "2", "0")
	assert.Equal(t, "0\t2\tData\n1\t1\tSheet1\n", out)

	out = srv.mustRun(t, 1, "tab", "delete", "1", "1")
	assert.Equal(t, "0\t2\tData\n", out)

	_, err := srv.run(t, 1, "tab", "delete", "1", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestGrant_ViewerCannotWrite(t *testing.T) {
	srv := startServer(t)
	srv.mustRun(t, 1, "doc", "create", "Shared")

	out := srv.mustRun(t, 1, "doc", "grant", "1", "2", "viewer")
	assert.Equal(t, "user 2 is now viewer on document 1\n", out)

	show := srv.mustRun(t, 2, "doc", "show", "1")
	assert.Contains(t, show, "(viewer)")

	_, err := srv.run(t, 2, "set", "1", "A1", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot write")

	_, err = srv.run(t, 3, "doc", "show", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestExportImport(t *testing.T) {
	srv := startServer(t)
	srv.mustRun(t, 1, "doc", "create", "Source")
	srv.mustRun(t, 1, "tab", "add", "1", "Rates")
	srv.mustRun(t, 1, "set", "1", "Rates!A1", "0.25")
	srv.mustRun(t, 1, "set", "1", "A1", "200")
	srv.mustRun(t, 1, "set", "1", "B1", "=A1*Rates!A1")

	path := filepath.Join(t.TempDir(), "source.xlsx")
	out := srv.mustRun(t, 1, "export", "1", "-o", path)
	assert.Equal(t, "wrote "+path+"\n", out)

	out = srv.mustRun(t, 1, "import", path)
	assert.Equal(t, "imported 2 sheets and 3 cells into document 2\n", out)

	show := srv.mustRun(t, 1, "doc", "show", "2")
	assert.True(t, strings.HasPrefix(show, "document 2 \"source\" (owner)\n"), show)
	assert.Contains(t, show, "[Rates]\n")
	// export carries computed values only
	assert.Contains(t, show, "B1\t50\t50\n")
}

func TestWatch(t *testing.T) {
	srv := startServer(t)
	srv.mustRun(t, 1, "doc", "create", "Live")
	srv.mustRun(t, 1, "set", "1", "A1", "1")
	srv.mustRun(t, 1, "doc", "grant", "1", "2", "editor")

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := srv.run(t, 1, "watch", "1", "--duration", "3s")
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool { return len(srv.broker.Members(1)) == 1 }, 5*time.Second, 10*time.Millisecond)
	srv.mustRun(t, 2, "set", "1", "B1", "=A1+1")
	srv.mustRun(t, 2, "set", "1", "A1", "5")

	res := <-done
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "tabs: Sheet1\n")
	assert.Contains(t, res.out, "A1\t1\t1\n")
	assert.Contains(t, res.out, "Sheet1!B1\t2\n")
	assert.Contains(t, res.out, "Sheet1!A1\t5\n")
	assert.Contains(t, res.out, "Sheet1!B1\t6\n")
}
