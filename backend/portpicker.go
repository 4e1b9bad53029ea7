package backend

import "net"

// PickFreePort asks the kernel for a free TCP port on loopback and
// immediately releases it. Port races are tolerated: this is called
// under no lock, and a failed bind during actual engine startup simply
// restarts the start flow.
func PickFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
