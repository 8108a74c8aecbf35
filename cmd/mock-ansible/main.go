// Command mock-ansible stands in for ansible-playbook during development and
// end-to-end testing. It accepts the same invocation shape as the real runner
// (-i inventory, --extra-vars @file, playbook path), reads the host names from
// the inventory, and plays a canned scenario selected by MOCK_SCENARIO:
//
//	ok          every host succeeds (default)
//	mixed       last host fails, the rest succeed
//	unreachable last host is unreachable
//	register    like ok, plus one register capture block per host
//	norecap     no recognizable output at all, exit 0
//	hang        emit one line, then sleep until killed
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	inventory := ""
	playbook := ""
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-i" && i+1 < len(args):
			i++
			inventory = args[i]
		case args[i] == "--extra-vars" && i+1 < len(args):
			i++
		case strings.HasPrefix(args[i], "-"):
		default:
			playbook = args[i]
		}
	}

	hosts, err := readHosts(inventory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-ansible: %v\n", err)
		os.Exit(1)
	}
	if len(hosts) == 0 {
		fmt.Fprintln(os.Stderr, "mock-ansible: empty inventory")
		os.Exit(1)
	}

	scenario := os.Getenv("MOCK_SCENARIO")
	if scenario == "" {
		scenario = "ok"
	}

	switch scenario {
	case "norecap":
		fmt.Println("nothing recognizable here")
		os.Exit(0)
	case "hang":
		fmt.Printf("TASK [Long running step] %s\n", banner())
		for {
			time.Sleep(time.Hour)
		}
	}

	fmt.Printf("PLAY [%s] %s\n", playbook, banner())
	fmt.Println()

	fmt.Printf("TASK [Gathering Facts] %s\n", banner())
	for i, h := range hosts {
		time.Sleep(20 * time.Millisecond)
		switch {
		case scenario == "unreachable" && i == len(hosts)-1:
			fmt.Printf("fatal: [%s]: UNREACHABLE! => {\"msg\": \"Failed to connect to the host via ssh\"}\n", h)
		default:
			fmt.Printf("ok: [%s]\n", h)
		}
	}
	fmt.Println()

	fmt.Printf("TASK [Apply configuration] %s\n", banner())
	for i, h := range hosts {
		time.Sleep(20 * time.Millisecond)
		switch {
		case scenario == "mixed" && i == len(hosts)-1:
			fmt.Printf("fatal: [%s]: FAILED! => {\"msg\": \"mock failure\"}\n", h)
		case scenario == "unreachable" && i == len(hosts)-1:
			// already lost at fact gathering
		default:
			fmt.Printf("changed: [%s]\n", h)
			if scenario == "register" {
				fmt.Printf("REGISTER-BLOCK-BEGIN host=%s task=\"Apply configuration\" status=changed register=apply_out\n", h)
				fmt.Printf("{\"rc\": 0, \"stdout\": \"applied on %s\"}\n", h)
				fmt.Println("REGISTER-BLOCK-END")
			}
		}
	}
	fmt.Println()

	fmt.Printf("PLAY RECAP %s\n", banner())
	exit := 0
	for i, h := range hosts {
		ok, unreachable, failed := 2, 0, 0
		switch {
		case scenario == "mixed" && i == len(hosts)-1:
			ok, failed = 1, 1
			exit = 2
		case scenario == "unreachable" && i == len(hosts)-1:
			ok, unreachable = 0, 1
			exit = 4
		}
		fmt.Printf("%s : ok=%d changed=1 unreachable=%d failed=%d skipped=0 rescued=0 ignored=0\n",
			h, ok, unreachable, failed)
	}

	os.Exit(exit)
}

// readHosts pulls host names out of an INI inventory: the first token of each
// non-section, non-comment line until a :vars section starts.
func readHosts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hosts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if strings.Contains(line, ":vars]") {
				break
			}
			continue
		}
		hosts = append(hosts, strings.Fields(line)[0])
	}
	return hosts, scanner.Err()
}

func banner() string {
	return strings.Repeat("*", 40)
}
