package transport

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const serverBufSize = 1 << 16

//MessageHandler consumes decoded inbound messages. The node wires this to
//its deserializer/router.
type MessageHandler interface {
	HandleMessage(msg *Message, channel *Channel)
}

//Server reads framed messages off one inbound connection for its lifespan
type Server struct {
	channel     *Channel
	conn        net.Conn
	handler     MessageHandler
	idleTimeout time.Duration
	logger      *logrus.Entry

	mu   sync.Mutex
	done bool
}

func NewServer(channel *Channel, conn net.Conn, handler MessageHandler, idleTimeout time.Duration, logger *logrus.Entry) *Server {
	return &Server{
		channel:     channel,
		conn:        conn,
		handler:     handler,
		idleTimeout: idleTimeout,
		logger:      logger.WithField("remote", conn.RemoteAddr().String()),
	}
}

//Start launches the read loop
func (s *Server) Start() {
	go s.run()
}

//Done reports whether the read loop has exited
func (s *Server) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Server) run() {
	defer func() {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
		s.channel.Close()
	}()

	r := bufio.NewReaderSize(&countingReader{conn: s.conn, channel: s.channel}, serverBufSize)
	for {
		if s.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		msg, err := ReadMessage(r)
		if err != nil {
			if err != io.EOF {
				s.logger.WithError(err).Debug("Failed to decode incoming message")
			}
			return
		}
		s.handler.HandleMessage(msg, s.channel)
	}
}

//countingReader records read activity on the channel
type countingReader struct {
	conn    net.Conn
	channel *Channel
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.conn.Read(p)
	if n > 0 {
		r.channel.NotePacketReceived(n)
	}
	return n, err
}
