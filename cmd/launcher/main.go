// Command launcher spawns a small local swarm of kadnet nodes for manual
// testing: a genesis node with no bootstrap contact, followed by a stagger
// of peers that bootstrap off it.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

const (
	NodeCount      = 20
	StartHTTPPort  = 8000
	StartUDPPort   = 9000
	BootstrapAddr  = "127.0.0.1:9000:9000"
	SimDataDir     = "sim_data"
	StaggerBetween = 300 * time.Millisecond
)

var cmds []*exec.Cmd

func main() {
	binPath, err := filepath.Abs(filepath.Join("..", "kadnet"))
	if err != nil {
		panic(err)
	}

	os.RemoveAll(SimDataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\n[launcher] stopping all nodes")
		for _, cmd := range cmds {
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
		}
		os.Exit(0)
	}()

	fmt.Println("[launcher] starting genesis node")
	startNode(0, true, binPath)
	time.Sleep(2 * time.Second)

	for i := 1; i < NodeCount; i++ {
		startNode(i, false, binPath)
		time.Sleep(StaggerBetween)
	}

	fmt.Printf("\n[launcher] network running with %d nodes\n", NodeCount)
	fmt.Printf("genesis API: http://localhost:%d\n", StartHTTPPort)
	fmt.Printf("logs under %s/node_N/node.log\n", SimDataDir)
	fmt.Println("press Ctrl+C to stop")

	select {}
}

func startNode(idx int, isGenesis bool, binPath string) {
	httpPort := StartHTTPPort + idx
	udpPort := StartUDPPort + idx

	nodeDir := filepath.Join(SimDataDir, fmt.Sprintf("node_%d", idx))
	if err := os.MkdirAll(nodeDir, 0755); err != nil {
		panic(err)
	}

	args := []string{
		"-listen-port", strconv.Itoa(udpPort),
		"-http", strconv.Itoa(httpPort),
		"-ban-list", "banlist.txt",
		"-fragments-dir", "fragments",
	}
	if !isGenesis {
		args = append(args, "-bootstrap", BootstrapAddr)
	}

	cmd := exec.Command(binPath, args...)
	cmd.Dir = nodeDir

	logFile, err := os.Create(filepath.Join(nodeDir, "node.log"))
	if err != nil {
		panic(err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		panic(err)
	}

	cmds = append(cmds, cmd)
	fmt.Printf(" -> node %d running (http :%d / udp+tcp :%d)\n", idx, httpPort, udpPort)
}
