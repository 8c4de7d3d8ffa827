// Package redisstub provides a minimal in-process Redis server implementing
// just enough of the protocol for the transcode queue: streams with consumer
// groups (XADD/XREADGROUP/XACK/XAUTOCLAIM/XPENDING), the dedup and
// attempt-count keys (SET NX EX/PX, GET/DEL/INCR/EXPIRE), and the client
// handshake commands go-redis issues on connect.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string]*stream
	strings  map[string]string
	counters map[string]int64
	expiries map[string]time.Time
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type stream struct {
	entries []entry
	groups  map[string]*group
	seq     int64
}

type entry struct {
	id     string
	values map[string]string
}

type group struct {
	nextIndex int
	pending   map[string]*delivery
}

type delivery struct {
	consumer    string
	deliveredAt time.Time
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:     opts,
		streams:  make(map[string]*stream),
		strings:  make(map[string]string),
		counters: make(map[string]int64),
		expiries: make(map[string]time.Time),
		closed:   make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// PendingCount reports how many deliveries remain unacknowledged for a group.
func (s *Server) PendingCount(streamName, groupName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	state, ok := strm.groups[groupName]
	if !ok {
		return 0
	}
	return len(state.pending)
}

// KeyTTL reports the remaining lifetime of a key, or zero when no expiry is
// set.
func (s *Server) KeyTTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.expiries[key]
	if !ok {
		return 0
	}
	return time.Until(deadline)
}

// StreamLen reports the number of entries appended to a stream.
func (s *Server) StreamLen(streamName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	return len(strm.entries)
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		var writeErr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			writeErr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// RESP2 only; go-redis tolerates the error and falls back.
			writeErr = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT":
			writeErr = writeSimpleString(writer, "OK")
		case "SELECT":
			writeErr = writeSimpleString(writer, "OK")
		case "AUTH":
			supplied := ""
			switch len(args) {
			case 2:
				supplied = args[1]
			case 3:
				supplied = args[2]
			default:
				writeErr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			}
			if writeErr == nil {
				if s.opts.Password == "" || supplied == s.opts.Password {
					authenticated = true
					writeErr = writeSimpleString(writer, "OK")
				} else {
					writeErr = writeError(writer, "WRONGPASS invalid username-password pair")
				}
			}
		default:
			if !authenticated {
				writeErr = writeError(writer, "NOAUTH Authentication required.")
			} else {
				writeErr = s.dispatch(writer, args)
			}
		}
		if writeErr != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "SET":
		return s.handleSet(writer, args)
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		s.mu.Lock()
		s.purgeExpiredLocked(args[1])
		value, ok := s.strings[args[1]]
		s.mu.Unlock()
		if !ok {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, value)
	case "DEL":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'del'")
		}
		s.mu.Lock()
		removed := int64(0)
		for _, key := range args[1:] {
			s.purgeExpiredLocked(key)
			if _, ok := s.strings[key]; ok {
				delete(s.strings, key)
				removed++
			}
			if _, ok := s.counters[key]; ok {
				delete(s.counters, key)
				removed++
			}
			delete(s.expiries, key)
		}
		s.mu.Unlock()
		return writeInteger(writer, removed)
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		s.mu.Lock()
		s.purgeExpiredLocked(args[1])
		s.counters[args[1]]++
		value := s.counters[args[1]]
		s.mu.Unlock()
		return writeInteger(writer, value)
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XGROUP":
		return s.handleXGroup(writer, args)
	case "XREADGROUP":
		return s.handleXReadGroup(writer, args)
	case "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		s.mu.Lock()
		s.purgeExpiredLocked(args[1])
		_, hasString := s.strings[args[1]]
		_, hasCounter := s.counters[args[1]]
		set := int64(0)
		if hasString || hasCounter {
			s.expiries[args[1]] = time.Now().Add(time.Duration(seconds) * time.Second)
			set = 1
		}
		s.mu.Unlock()
		return writeInteger(writer, set)
	case "XACK":
		if len(args) < 4 {
			return writeError(writer, "ERR wrong number of arguments for 'xack'")
		}
		return writeInteger(writer, s.ack(args[1], args[2], args[3:]))
	case "XAUTOCLAIM":
		return s.handleXAutoClaim(writer, args)
	case "XPENDING":
		return s.handleXPending(writer, args)
	default:
		return writeError(writer, "ERR unsupported command '"+args[0]+"'")
	}
}

func (s *Server) handleSet(writer *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(writer, "ERR wrong number of arguments for 'set'")
	}
	key, value := args[1], args[2]
	nx := false
	var ttl time.Duration
	opts := args[3:]
	for i := 0; i < len(opts); i++ {
		switch strings.ToUpper(opts[i]) {
		case "NX":
			nx = true
		case "EX", "PX":
			if i+1 >= len(opts) {
				return writeError(writer, "ERR syntax error")
			}
			v, err := strconv.ParseInt(opts[i+1], 10, 64)
			if err != nil {
				return writeError(writer, "ERR value is not an integer or out of range")
			}
			if strings.ToUpper(opts[i]) == "EX" {
				ttl = time.Duration(v) * time.Second
			} else {
				ttl = time.Duration(v) * time.Millisecond
			}
			i++
		}
	}
	s.mu.Lock()
	s.purgeExpiredLocked(key)
	_, exists := s.strings[key]
	if nx && exists {
		s.mu.Unlock()
		return writeBulkNil(writer)
	}
	s.strings[key] = value
	if ttl > 0 {
		s.expiries[key] = time.Now().Add(ttl)
	} else {
		delete(s.expiries, key)
	}
	s.mu.Unlock()
	return writeSimpleString(writer, "OK")
}

func (s *Server) handleXAdd(writer *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	name := args[1]
	id := args[2]
	values := make(map[string]string)
	for i := 3; i+1 < len(args); i += 2 {
		values[args[i]] = args[i+1]
	}
	s.mu.Lock()
	strm := s.ensureStream(name)
	if id == "*" {
		strm.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), strm.seq)
	}
	strm.entries = append(strm.entries, entry{id: id, values: values})
	s.mu.Unlock()
	return writeBulkString(writer, id)
}

func (s *Server) handleXGroup(writer *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return writeError(writer, "ERR wrong number of arguments for 'xgroup'")
	}
	if strings.ToUpper(args[1]) != "CREATE" {
		return writeError(writer, "ERR only CREATE supported")
	}
	name, groupName := args[2], args[3]
	s.mu.Lock()
	strm := s.ensureStream(name)
	if _, exists := strm.groups[groupName]; exists {
		s.mu.Unlock()
		return writeError(writer, "BUSYGROUP Consumer Group name already exists")
	}
	strm.groups[groupName] = &group{pending: make(map[string]*delivery)}
	s.mu.Unlock()
	return writeSimpleString(writer, "OK")
}

func (s *Server) handleXReadGroup(writer *bufio.Writer, args []string) error {
	var groupName, consumer, streamName string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			groupName = args[i+1]
			consumer = args[i+2]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(writer, "ERR invalid COUNT")
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(writer, "ERR invalid BLOCK")
			}
			blockMs = v
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			streamName = args[i+1]
			i = len(args)
		}
	}
	if streamName == "" || groupName == "" {
		return writeError(writer, "ERR missing stream or group")
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		items := s.readGroup(streamName, groupName, consumer, count)
		if len(items) > 0 {
			return writeArray(writer, []interface{}{items})
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			return writeBulkNil(writer)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (s *Server) handleXAutoClaim(writer *bufio.Writer, args []string) error {
	if len(args) < 6 {
		return writeError(writer, "ERR wrong number of arguments for 'xautoclaim'")
	}
	streamName, groupName, consumer := args[1], args[2], args[3]
	minIdleMs, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return writeError(writer, "ERR invalid min-idle-time")
	}
	count := 100
	for i := 6; i < len(args); i++ {
		if strings.ToUpper(args[i]) == "COUNT" && i+1 < len(args) {
			if v, convErr := strconv.Atoi(args[i+1]); convErr == nil {
				count = v
			}
			i++
		}
	}

	s.mu.Lock()
	var claimed []interface{}
	strm, ok := s.streams[streamName]
	if ok {
		state, ok := strm.groups[groupName]
		if ok {
			cutoff := time.Now().Add(-time.Duration(minIdleMs) * time.Millisecond)
			for _, ent := range strm.entries {
				if len(claimed) >= count {
					break
				}
				pending, exists := state.pending[ent.id]
				if !exists || pending.deliveredAt.After(cutoff) {
					continue
				}
				pending.consumer = consumer
				pending.deliveredAt = time.Now()
				claimed = append(claimed, []interface{}{ent.id, flatten(ent.values)})
			}
		}
	}
	s.mu.Unlock()

	return writeArray(writer, []interface{}{"0-0", claimed, []interface{}{}})
}

func (s *Server) handleXPending(writer *bufio.Writer, args []string) error {
	if len(args) < 6 {
		return writeError(writer, "ERR wrong number of arguments for 'xpending'")
	}
	streamName, groupName := args[1], args[2]
	rest := args[3:]
	if strings.ToUpper(rest[0]) == "IDLE" && len(rest) > 2 {
		rest = rest[2:]
	}
	if len(rest) < 3 {
		return writeError(writer, "ERR syntax error")
	}
	start, end := rest[0], rest[1]
	count, err := strconv.Atoi(rest[2])
	if err != nil {
		return writeError(writer, "ERR invalid count")
	}
	filterConsumer := ""
	if len(rest) > 3 {
		filterConsumer = rest[3]
	}

	s.mu.Lock()
	var rows []interface{}
	if strm, ok := s.streams[streamName]; ok {
		if state, ok := strm.groups[groupName]; ok {
			for _, ent := range strm.entries {
				if len(rows) >= count {
					break
				}
				if !idInRange(ent.id, start, end) {
					continue
				}
				pending, exists := state.pending[ent.id]
				if !exists {
					continue
				}
				if filterConsumer != "" && pending.consumer != filterConsumer {
					continue
				}
				idle := time.Since(pending.deliveredAt).Milliseconds()
				rows = append(rows, []interface{}{ent.id, pending.consumer, idle, int64(1)})
			}
		}
	}
	s.mu.Unlock()
	return writeArray(writer, rows)
}

func (s *Server) purgeExpiredLocked(key string) {
	deadline, ok := s.expiries[key]
	if !ok || time.Now().Before(deadline) {
		return
	}
	delete(s.strings, key)
	delete(s.counters, key)
	delete(s.expiries, key)
}

func idInRange(id, start, end string) bool {
	if start != "-" && compareStreamIDs(id, start) < 0 {
		return false
	}
	if end != "+" && compareStreamIDs(id, end) > 0 {
		return false
	}
	return true
}

func compareStreamIDs(a, b string) int {
	aMs, aSeq := splitStreamID(a)
	bMs, bSeq := splitStreamID(b)
	switch {
	case aMs != bMs:
		if aMs < bMs {
			return -1
		}
		return 1
	case aSeq != bSeq:
		if aSeq < bSeq {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func splitStreamID(id string) (int64, int64) {
	parts := strings.SplitN(id, "-", 2)
	ms, _ := strconv.ParseInt(parts[0], 10, 64)
	var seq int64
	if len(parts) == 2 {
		seq, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	return ms, seq
}

func (s *Server) ensureStream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*group)}
		s.streams[name] = strm
	}
	return strm
}

func (s *Server) readGroup(streamName, groupName, consumer string, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(streamName)
	state, ok := strm.groups[groupName]
	if !ok {
		state = &group{pending: make(map[string]*delivery)}
		strm.groups[groupName] = state
	}
	start := state.nextIndex
	if start >= len(strm.entries) {
		return nil
	}
	end := start + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-start)
	for i := start; i < end; i++ {
		ent := strm.entries[i]
		state.pending[ent.id] = &delivery{consumer: consumer, deliveredAt: time.Now()}
		records = append(records, []interface{}{ent.id, flatten(ent.values)})
	}
	state.nextIndex = end
	return []interface{}{streamName, records}
}

func (s *Server) ack(streamName, groupName string, ids []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	state, ok := strm.groups[groupName]
	if !ok {
		return 0
	}
	var count int64
	for _, id := range ids {
		if _, exists := state.pending[id]; exists {
			delete(state.pending, id)
			count++
		}
	}
	return count
}

func flatten(values map[string]string) []interface{} {
	out := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		out = append(out, k, v)
	}
	return out
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArrayRaw(w, v); err != nil {
				return err
			}
		default:
			text := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(text), text); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
