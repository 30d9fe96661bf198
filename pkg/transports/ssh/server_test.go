package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal in-process SSH server.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	// bootChecks is how many "cloud-init status" calls fail before the
	// host reports ready.
	bootChecks int32
	calls      atomic.Int32
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		command := string(req.Payload[4:])
		if req.WantReply {
			_ = req.Reply(true, nil)
		}

		status := byte(0)
		switch command {
		case "true":
		case "echo test":
			_, _ = channel.Write([]byte("test\n"))
		case "echo error >&2":
			_, _ = channel.Stderr().Write([]byte("error\n"))
		case "exit 1":
			status = 1
		case "cloud-init status":
			if s.calls.Add(1) <= s.bootChecks {
				_, _ = channel.Stderr().Write([]byte("status: running\n"))
				status = 2
			} else {
				_, _ = channel.Write([]byte("status: done\n"))
			}
		default:
			_, _ = channel.Write([]byte("command: " + command + "\n"))
		}
		_, _ = channel.SendRequest("exit-status", false, []byte{0, 0, 0, status})
		return
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

// hostPort splits the listener address.
func (s *testSSHServer) hostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.addr)
	port := 0
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// passwordConfig returns a client config for the test server.
func passwordConfig(s *testSSHServer) *Config {
	host, port := s.hostPort()
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	return config
}

// netListenClosed returns a local port with nothing listening on it.
func netListenClosed() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := listener.Addr().(*net.TCPAddr).Port
	return port, listener.Close()
}
