package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"Meshpath/client"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Node represents a running node process.
type Node struct {
	index    int                // index is the node's position in the cluster
	cmd      *exec.Cmd          // cmd is the running process
	httpAddr string             // httpAddr is the HTTP API address
	quicAddr string             // quicAddr is the QUIC locator exchange address
	udpAddr  string             // udpAddr is the UDP transport address
	dataDir  string             // dataDir is the node's data directory
	keyPath  string             // keyPath is the node's key seed file
	stdout   *safeBuffer        // stdout captures process output
	stderr   *safeBuffer        // stderr captures process errors
	cancel   context.CancelFunc // cancel stops the process
	done     chan struct{}      // done is closed when the process exits
}

// HTTPAddr returns the node's HTTP address.
func (n *Node) HTTPAddr() string { return n.httpAddr }

// IsRunning checks if the node process is alive and started successfully.
func (n *Node) IsRunning() bool {
	if n.cmd == nil || n.cmd.Process == nil {
		return false
	}

	if !strings.Contains(n.stdout.String(), "starting meshpath node") {
		return false
	}

	select {
	case <-n.done:
		return false
	default:
		return true
	}
}

// Logs returns the node's stdout output.
func (n *Node) Logs() string { return n.stdout.String() }

// Stop terminates the node process and waits for it to exit.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}

	if n.done != nil {
		select {
		case <-n.done:
		case <-time.After(10 * time.Second):
		}
	}
}

// clusterOpts holds configuration for a Cluster.
type clusterOpts struct {
	httpBase int    // httpBase is the starting HTTP port
	quicBase int    // quicBase is the starting QUIC port
	udpBase  int    // udpBase is the starting UDP port
	keyType  string // keyType is passed as -key-type when set
}

// ClusterOption configures cluster behavior.
type ClusterOption func(*clusterOpts)

// WithPortBase sets the starting HTTP port. QUIC and UDP ports follow at
// +1000 and +2000.
func WithPortBase(port int) ClusterOption {
	return func(o *clusterOpts) {
		o.httpBase = port
		o.quicBase = port + 1000
		o.udpBase = port + 2000
	}
}

// WithKeyType selects the identity scheme for every node.
func WithKeyType(kt string) ClusterOption { return func(o *clusterOpts) { o.keyType = kt } }

// Cluster manages a group of node processes. Node 0 is the rendezvous every
// other node dials.
type Cluster struct {
	t          *testing.T  // t is the test context
	nodes      []*Node     // nodes is the list of nodes
	binaryPath string      // binaryPath is the compiled node binary
	testDir    string      // testDir is the temporary directory for node data
	opts       clusterOpts // opts is the cluster configuration
}

// NewCluster builds the binary, starts N nodes, and registers cleanup.
func NewCluster(t *testing.T, size int, options ...ClusterOption) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	opts := clusterOpts{}
	WithPortBase(21000)(&opts)
	for _, o := range options {
		o(&opts)
	}

	c := &Cluster{
		t:          t,
		binaryPath: buildBinary(t),
		testDir:    t.TempDir(),
		opts:       opts,
		nodes:      make([]*Node, size),
	}
	t.Cleanup(c.Stop)

	for i := range c.nodes {
		c.nodes[i] = c.startNode(i)
	}

	c.waitRunning(10 * time.Second)

	return c
}

// waitRunning polls until every node has logged its startup line.
func (c *Cluster) waitRunning(timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		running := 0
		for _, n := range c.nodes {
			if n.IsRunning() {
				running++
			}
		}

		if running == len(c.nodes) {
			return
		}

		time.Sleep(100 * time.Millisecond)
	}

	c.logNodeStates()
	c.t.Fatalf("nodes did not start within %v", timeout)
}

// startNode starts a single node process. Nodes other than 0 dial node 0.
func (c *Cluster) startNode(index int) *Node {
	c.t.Helper()

	node := &Node{
		index:    index,
		httpAddr: fmt.Sprintf("127.0.0.1:%d", c.opts.httpBase+index),
		quicAddr: fmt.Sprintf("127.0.0.1:%d", c.opts.quicBase+index),
		udpAddr:  fmt.Sprintf("127.0.0.1:%d", c.opts.udpBase+index),
		dataDir:  filepath.Join(c.testDir, fmt.Sprintf("node-%d", index)),
		stdout:   &safeBuffer{},
		stderr:   &safeBuffer{},
		done:     make(chan struct{}),
	}
	node.keyPath = filepath.Join(node.dataDir, "key")

	if err := os.MkdirAll(node.dataDir, 0755); err != nil {
		c.t.Fatalf("create node dir %d: %v", index, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	node.cancel = cancel

	node.cmd = exec.CommandContext(ctx, c.binaryPath, c.buildNodeArgs(node)...)
	node.cmd.Stdout = node.stdout
	node.cmd.Stderr = node.stderr

	// Interrupt so the node closes its store; kill only if it hangs.
	node.cmd.Cancel = func() error { return node.cmd.Process.Signal(os.Interrupt) }
	node.cmd.WaitDelay = 5 * time.Second

	if err := node.cmd.Start(); err != nil {
		c.t.Fatalf("start node %d: %v", index, err)
	}

	go func() {
		node.cmd.Wait()
		close(node.done)
	}()

	return node
}

// buildNodeArgs constructs command-line arguments for a node.
func (c *Cluster) buildNodeArgs(node *Node) []string {
	args := []string{
		"-data", node.dataDir,
		"-http", node.httpAddr,
		"-quic", node.quicAddr,
		"-udp", node.udpAddr,
		"-key", node.keyPath,
		"-log-level", "debug",
	}

	if c.opts.keyType != "" {
		args = append(args, "-key-type", c.opts.keyType)
	}

	if node.index != 0 {
		args = append(args, "-peers", fmt.Sprintf("127.0.0.1:%d", c.opts.quicBase))
	}

	return args
}

// Restart stops node i and starts it again on the same data directory.
func (c *Cluster) Restart(i int) *Node {
	c.t.Helper()

	c.nodes[i].Stop()
	c.nodes[i] = c.startNode(i)
	c.waitRunning(10 * time.Second)

	return c.nodes[i]
}

// Stop kills all nodes in parallel.
func (c *Cluster) Stop() {
	var wg sync.WaitGroup

	for _, node := range c.nodes {
		if node == nil {
			continue
		}

		wg.Add(1)

		go func(n *Node) {
			defer wg.Done()
			n.Stop()
		}(node)
	}

	wg.Wait()
}

// Node returns a node by index.
func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

// Size returns the number of nodes.
func (c *Cluster) Size() int { return len(c.nodes) }

// Client creates a client.Client connected to a node. The API may lag the
// startup log line, so connection is retried briefly.
func (c *Cluster) Client(i int) *client.Client {
	c.t.Helper()

	var err error
	for attempt := 0; attempt < 50; attempt++ {
		var cli *client.Client
		if cli, err = client.NewClient(c.nodes[i].httpAddr); err == nil {
			return cli
		}

		time.Sleep(100 * time.Millisecond)
	}

	c.t.Fatalf("create client for node %d: %v", i, err)
	return nil
}

// Addresses returns every node's reported address.
func (c *Cluster) Addresses() []string {
	c.t.Helper()

	addrs := make([]string, len(c.nodes))
	for i := range c.nodes {
		addrs[i] = c.Client(i).NodeAddress().String()
	}

	return addrs
}

// WaitForLocators polls until every node stores a locator for every address.
func (c *Cluster) WaitForLocators(addrs []string, timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if c.countConverged(addrs) == len(c.nodes) {
			return
		}

		time.Sleep(250 * time.Millisecond)
	}

	c.logNodeStates()
	c.t.Fatalf("locators did not converge within %v", timeout)
}

// countConverged counts nodes whose store covers addrs.
func (c *Cluster) countConverged(addrs []string) int {
	converged := 0

	for i := range c.nodes {
		infos, err := c.Client(i).Locators(0)
		if err != nil {
			continue
		}

		have := make(map[string]bool, len(infos))
		for _, info := range infos {
			have[info.Subject] = true
		}

		all := true
		for _, a := range addrs {
			if !have[a] {
				all = false
				break
			}
		}

		if all {
			converged++
		}
	}

	return converged
}

// logNodeStates dumps the tail of each node's output.
func (c *Cluster) logNodeStates() {
	for i, n := range c.nodes {
		if n == nil {
			continue
		}

		out := n.stdout.String()
		if len(out) > 4000 {
			out = out[len(out)-4000:]
		}

		c.t.Logf("node %d stdout:\n%s\nstderr:\n%s", i, out, n.stderr.String())
	}
}

// buildBinary compiles cmd/node into a temp file.
func buildBinary(t *testing.T) string {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "meshpath_test_*")
	if err != nil {
		t.Fatalf("create temp binary file: %v", err)
	}

	binary := tmpFile.Name()
	tmpFile.Close()

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/node")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	t.Cleanup(func() { os.Remove(binary) })

	return binary
}

// getProjectRoot returns the project root directory (containing go.mod).
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}
