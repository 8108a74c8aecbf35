package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// RunnerProfile is the filter for containerized playbook runs. Default-allow:
// the runner legitimately forks, execs, opens sockets to managed hosts, and
// writes temp files, so an allowlist would be both huge and brittle. What gets
// cut off is introspection of other processes and anything that reconfigures
// the kernel or the host.
func RunnerProfile() *specs.LinuxSeccomp {
	return NewBuilder(specs.ActAllow).
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
		).
		BlockSyscalls(
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
		).
		Build()
}
