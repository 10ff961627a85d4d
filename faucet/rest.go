package faucet

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const timeout = 30

// Init sets up and starts the http/https server to service the RESTful API for the faucet. If sslPort, sslCert
// and sslKey are informed, it will start an https (TLS) server on the specified endpoint.
func (f *Faucet) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	var err, errTLS error

	// API definition
	r := f.router()
	http.Handle("/", r)

	// setup shutdown channel
	f.sc = make(chan struct{})

	// start http server
	if port != "" {
		f.s = &http.Server{
			Handler: r,
			Addr:    endpoint + ":" + port,
			// Good practice: enforce timeouts for servers you create!
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			err = f.s.ListenAndServe()
		}()

		f.log.Infof("Listening to API http requests on %s:%s", endpoint, port)
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		f.ss = &http.Server{
			Handler: r,
			Addr:    endpoint + ":" + sslPort,
			// Good practice: enforce timeouts for servers you create!
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			errTLS = f.ss.ListenAndServeTLS(sslCert, sslKey)
		}()

		f.log.Infof("Listening to API https requests on %s:%s", endpoint, sslPort)
	}
	// wait for servers to be shutdown
	<-f.sc

	return fmt.Sprintf("shutdown http server:%v, https server:%v", err, errTLS)
}

func (f *Faucet) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", f.homeHandler)
	r.HandleFunc("/api/info", f.infoHandler).Methods("GET")             // faucet identity and capacity
	r.HandleFunc("/api/requests/{id}", f.requestHandler).Methods("GET") // pending request status
	r.HandleFunc("/api/onchain", f.onchainHandler).Methods("POST")      // send coins on-chain
	r.HandleFunc("/api/lightning", f.lightningHandler).Methods("POST")  // pay a bolt11 invoice
	r.HandleFunc("/api/bolt11", f.bolt11Handler).Methods("POST")        // create an invoice
	r.HandleFunc("/api/channel", f.channelHandler).Methods("POST")      // open a channel

	return r
}
